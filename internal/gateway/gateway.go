// Package gateway ingests capture webhooks from the external card
// processor. A verified capture is recorded once per reference and
// opens the escrow record for its booking.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ayodele/kobohold/internal/booking"
	"github.com/ayodele/kobohold/internal/escrow"
	"github.com/ayodele/kobohold/internal/idgen"
	"github.com/ayodele/kobohold/internal/metrics"
	"github.com/ayodele/kobohold/internal/money"
)

var (
	ErrCaptureNotFound  = errors.New("capture not found")
	ErrDuplicateCapture = errors.New("capture reference already processed")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid capture payload")
)

// Capture is one processed card capture.
type Capture struct {
	ID         string     `json:"id"`
	Reference  string     `json:"reference"`
	BookingID  string     `json:"bookingId"`
	Amount     money.Kobo `json:"amount"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// Store persists processed captures for idempotency.
type Store interface {
	Create(ctx context.Context, c *Capture) error
	GetByReference(ctx context.Context, reference string) (*Capture, error)
}

// EscrowOpener opens the escrow record for a captured booking.
type EscrowOpener interface {
	Open(ctx context.Context, req escrow.OpenRequest) (*escrow.Record, error)
}

// BookingReader resolves the booking a capture pays for.
type BookingReader interface {
	Get(ctx context.Context, id string) (*booking.Booking, error)
}

// CapturePayload is the processor's webhook body.
type CapturePayload struct {
	Reference string     `json:"reference" binding:"required"`
	BookingID string     `json:"bookingId" binding:"required"`
	Amount    money.Kobo `json:"amount" binding:"required"`
}

// Service processes verified captures.
type Service struct {
	store    Store
	escrows  EscrowOpener
	bookings BookingReader
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new gateway service.
func NewService(store Store, escrows EscrowOpener, bookings BookingReader, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		escrows:  escrows,
		bookings: bookings,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProcessCapture records a capture and opens its escrow. Idempotent on
// the capture reference: replays return the original capture.
func (s *Service) ProcessCapture(ctx context.Context, p CapturePayload) (*Capture, bool, error) {
	ref := strings.TrimSpace(p.Reference)
	if ref == "" || p.BookingID == "" || p.Amount <= 0 {
		metrics.GatewayCapturesTotal.WithLabelValues("invalid").Inc()
		return nil, false, ErrInvalidPayload
	}

	if existing, err := s.store.GetByReference(ctx, ref); err == nil {
		metrics.GatewayCapturesTotal.WithLabelValues("duplicate").Inc()
		return existing, true, nil
	} else if !errors.Is(err, ErrCaptureNotFound) {
		return nil, false, err
	}

	b, err := s.bookings.Get(ctx, p.BookingID)
	if err != nil {
		metrics.GatewayCapturesTotal.WithLabelValues("unknown_booking").Inc()
		return nil, false, fmt.Errorf("resolve booking %s: %w", p.BookingID, err)
	}
	if p.Amount != b.Total {
		s.logger.Warn("capture amount differs from booking total",
			"bookingId", b.ID, "captured", p.Amount, "total", b.Total)
	}

	capture := &Capture{
		ID:         idgen.WithPrefix("cap_"),
		Reference:  ref,
		BookingID:  b.ID,
		Amount:     p.Amount,
		ReceivedAt: s.now(),
	}
	if err := s.store.Create(ctx, capture); err != nil {
		if errors.Is(err, ErrDuplicateCapture) {
			// Lost a race with a concurrent replay.
			if existing, getErr := s.store.GetByReference(ctx, ref); getErr == nil {
				metrics.GatewayCapturesTotal.WithLabelValues("duplicate").Inc()
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	_, err = s.escrows.Open(ctx, escrow.OpenRequest{
		BookingID:    b.ID,
		GuestAccount: b.GuestAccount,
		HostAccount:  b.HostAccount,
		Amount:       p.Amount,
		CheckInDate:  b.CheckInDate,
		CaptureRef:   ref,
	})
	if err != nil && !errors.Is(err, escrow.ErrRecordExists) {
		metrics.GatewayCapturesTotal.WithLabelValues("escrow_failed").Inc()
		return nil, false, fmt.Errorf("open escrow for %s: %w", b.ID, err)
	}

	metrics.GatewayCapturesTotal.WithLabelValues("processed").Inc()
	s.logger.Info("capture processed",
		"reference", ref, "bookingId", b.ID, "amount", p.Amount)
	return capture, false, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against
// the shared webhook secret. Constant-time compare.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
