// Package notify delivers lifecycle events to subscriber webhooks.
//
// Accounts register webhook URLs to receive escrow transitions and
// wallet postings. Deliveries are HMAC-signed JSON POSTs, dispatched
// asynchronously; a failed delivery is recorded on the subscription and
// never surfaces to the money path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ayodele/kobohold/internal/idgen"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType identifies a lifecycle event.
type EventType string

const (
	EventEscrowOpened           EventType = "escrow.opened"
	EventEscrowPaymentRequested EventType = "escrow.payment_requested"
	EventEscrowConfirmed        EventType = "escrow.confirmed"
	EventEscrowDeclined         EventType = "escrow.declined"
	EventEscrowExpired          EventType = "escrow.expired"
	EventEscrowRefunded         EventType = "escrow.refunded"
	EventWalletCredited         EventType = "wallet.credited"
	EventWalletDebited          EventType = "wallet.debited"
)

// ValidEventType reports whether t is one of the defined event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventEscrowOpened, EventEscrowPaymentRequested, EventEscrowConfirmed,
		EventEscrowDeclined, EventEscrowExpired, EventEscrowRefunded,
		EventWalletCredited, EventWalletDebited:
		return true
	}
	return false
}

// Event is one delivered notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is one account's webhook registration.
type Subscription struct {
	ID          string      `json:"id"`
	Account     string      `json:"account"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key, shown once at creation
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// wants reports whether the subscription covers the event type.
func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAccount(ctx context.Context, account string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends events to matching subscriptions.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
	secret string
	async  bool
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		async:  true,
	}
}

// WithSigningSecret sets the fallback HMAC key used when a subscription
// has no secret of its own.
func (d *Dispatcher) WithSigningSecret(secret string) *Dispatcher {
	d.secret = secret
	return d
}

// Sync makes deliveries block until complete. Tests only.
func (d *Dispatcher) Sync() *Dispatcher {
	d.async = false
	return d
}

// DispatchToAccount sends an event to the account's matching
// subscriptions. Fire-and-forget: delivery runs in the background and
// errors are only recorded on the subscription.
func (d *Dispatcher) DispatchToAccount(ctx context.Context, account string, eventType EventType, data map[string]interface{}) {
	subs, err := d.store.GetByAccount(ctx, account)
	if err != nil {
		notifyDispatchErrors.WithLabelValues(string(eventType)).Inc()
		d.logger.Warn("failed to load webhook subscriptions", "account", account, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(eventType) {
			continue
		}
		notifyDispatchTotal.WithLabelValues(string(eventType)).Inc()
		if d.async {
			go d.send(sub, event)
		} else {
			d.send(sub, event)
		}
	}
}

// send delivers one event to one subscription. Runs detached from the
// request context so a finished request cannot cancel the delivery.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, event.Type, "marshal event failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, event.Type, "build request failed")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kobohold-Event", string(event.Type))
	req.Header.Set("X-Kobohold-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if secret := d.signingSecret(sub); secret != "" {
		req.Header.Set("X-Kobohold-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordError(ctx, sub, event.Type, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		now := time.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		if err := d.store.Update(ctx, sub); err != nil {
			d.logger.Warn("failed to record webhook success", "subscription", sub.ID, "error", err)
		}
		return
	}
	d.recordError(ctx, sub, event.Type, fmt.Sprintf("status %d", resp.StatusCode))
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, eventType EventType, msg string) {
	notifyDispatchErrors.WithLabelValues(string(eventType)).Inc()
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook error", "subscription", sub.ID, "error", err)
	}
	d.logger.Warn("webhook delivery failed",
		"subscription", sub.ID, "url", sub.URL, "event", eventType, "error", msg)
}

// signingSecret resolves the key for a delivery: the subscription's own
// secret, else the dispatcher-wide fallback.
func (d *Dispatcher) signingSecret(sub *Subscription) string {
	if sub.Secret != "" {
		return sub.Secret
	}
	return d.secret
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
