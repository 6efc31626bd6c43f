package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps payment requests whose confirmation
// deadline has elapsed into the expired status. Reads expire lazily as
// well; the sweep keeps deadlines authoritative even when nobody is
// looking at a record.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 5 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpireDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpireDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireDue(ctx)
}

func (t *Timer) expireDue(ctx context.Context) {
	due, err := t.store.ListExpiredRequests(ctx, t.service.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list elapsed payment requests", "error", err)
		return
	}

	for _, rec := range due {
		if _, err := t.service.ExpireRequest(ctx, rec.BookingID); err != nil {
			t.logger.Warn("failed to expire payment request",
				"bookingId", rec.BookingID,
				"error", err,
			)
			continue
		}
		t.logger.Info("payment request expired",
			"bookingId", rec.BookingID,
			"guest", rec.GuestAccount,
			"host", rec.HostAccount,
			"amount", rec.Amount,
		)
	}
}
