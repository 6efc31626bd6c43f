// Package escrow holds captured booking payments until the guest
// releases them.
//
// Flow:
//  1. Gateway captures the guest's payment → escrow record opened (pending)
//  2. On/after check-in the host requests payment → payment_requested,
//     a confirmation deadline starts
//  3. Guest confirms before the deadline → confirmed, host wallet credited
//  4. Deadline elapses → expired; guest may take a refund or the host
//     may re-request after a cooldown
//  5. On a second or later request the guest may instead decline →
//     declined, booking cancelled, no funds move
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ayodele/kobohold/internal/metrics"
	"github.com/ayodele/kobohold/internal/money"
	"github.com/ayodele/kobohold/internal/traces"
)

var (
	ErrRecordNotFound  = errors.New("escrow record not found")
	ErrRecordExists    = errors.New("escrow record already exists for booking")
	ErrVersionConflict = errors.New("concurrent update, please retry")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusPending          Status = "pending"           // Opened, funds captured, waiting for check-in
	StatusPaymentRequested Status = "payment_requested" // Host asked, confirmation deadline running
	StatusExpired          Status = "expired"           // Deadline elapsed without confirmation
	StatusConfirmed        Status = "confirmed"         // Guest confirmed, host wallet credited
	StatusDeclined         Status = "declined"          // Guest declined a repeat request
	StatusRefunded         Status = "refunded"          // Guest took the refund after expiry
)

// Timing defaults. Both are configurable on the Service.
const (
	DefaultConfirmWindow   = 2 * time.Minute
	DefaultRequestCooldown = 2 * time.Minute
)

// InvalidTransitionError reports a transition attempted outside its
// guard, identifying the current status and the attempted operation.
type InvalidTransitionError struct {
	BookingID string
	Current   Status
	Attempted string
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %q from status %q for booking %s", e.Attempted, e.Current, e.BookingID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Record is the escrow state for one booking. Amount, parties, and
// checkInDate are immutable after Open.
type Record struct {
	BookingID              string     `json:"bookingId"`
	GuestAccount           string     `json:"guestAccount"`
	HostAccount            string     `json:"hostAccount"`
	Amount                 money.Kobo `json:"amount"`
	Status                 Status     `json:"status"`
	PaymentRequestAttempts int        `json:"paymentRequestAttempts"`
	RequestDeadline        *time.Time `json:"requestDeadline,omitempty"`
	LastRequestAt          *time.Time `json:"lastRequestAt,omitempty"`
	CheckInDate            time.Time  `json:"checkInDate"`
	CaptureRef             string     `json:"captureRef,omitempty"`
	DeclineReason          string     `json:"declineReason,omitempty"`
	Version                int64      `json:"version"`
	ResolvedAt             *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	switch r.Status {
	case StatusConfirmed, StatusDeclined, StatusRefunded:
		return true
	}
	return false
}

// RemainingTime returns the time left on the confirmation deadline, or
// zero when none is running. Derived from the absolute deadline, never
// a decremented counter.
func RemainingTime(r *Record, now time.Time) time.Duration {
	if r.Status != StatusPaymentRequested || r.RequestDeadline == nil {
		return 0
	}
	remaining := r.RequestDeadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// effectiveStatus folds an elapsed deadline into the status without
// touching the record.
func effectiveStatus(r *Record, now time.Time) Status {
	if r.Status == StatusPaymentRequested && r.RequestDeadline != nil && !now.Before(*r.RequestDeadline) {
		return StatusExpired
	}
	return r.Status
}

// Store persists escrow records. Update must compare-and-swap on
// Version: it fails with ErrVersionConflict when the stored version
// differs from the one on the passed record, and increments Version on
// success.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, bookingID string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	ListByAccount(ctx context.Context, account string, limit int) ([]*Record, error)
	ListExpiredRequests(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}

// LedgerService abstracts wallet operations so escrow doesn't import wallet.
type LedgerService interface {
	ReleaseToHost(ctx context.Context, hostAccount string, amount money.Kobo, reference string) error
	RefundGuest(ctx context.Context, guestAccount string, amount money.Kobo, reference string) error
}

// BookingService cancels bookings when escrow resolves against the host.
type BookingService interface {
	CancelBooking(ctx context.Context, bookingID, reason string) error
}

// Notifier receives transition events (webhooks, realtime). Delivery
// failures never affect the transition.
type Notifier interface {
	Notify(ctx context.Context, event string, r *Record)
}

// OpenRequest contains the parameters for opening an escrow record.
type OpenRequest struct {
	BookingID    string     `json:"bookingId" binding:"required"`
	GuestAccount string     `json:"guestAccount" binding:"required"`
	HostAccount  string     `json:"hostAccount" binding:"required"`
	Amount       money.Kobo `json:"amount" binding:"required"`
	CheckInDate  time.Time  `json:"checkInDate" binding:"required"`
	CaptureRef   string     `json:"captureRef"`
}

// DeclineRequest contains the parameters for declining a payment request.
type DeclineRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store           Store
	ledger          LedgerService
	bookings        BookingService
	notifier        Notifier
	logger          *slog.Logger
	confirmWindow   time.Duration
	requestCooldown time.Duration
	locks           sync.Map // per-booking locks to serialize transitions
	now             func() time.Time
}

// NewService creates a new escrow service with default timing.
func NewService(store Store, ledger LedgerService, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		ledger:          ledger,
		logger:          logger,
		confirmWindow:   DefaultConfirmWindow,
		requestCooldown: DefaultRequestCooldown,
		now:             time.Now,
	}
}

// WithTiming overrides the confirmation window and re-request cooldown.
func (s *Service) WithTiming(confirmWindow, requestCooldown time.Duration) *Service {
	if confirmWindow > 0 {
		s.confirmWindow = confirmWindow
	}
	if requestCooldown > 0 {
		s.requestCooldown = requestCooldown
	}
	return s
}

// WithBookings adds a booking service for cancellation side effects.
func (s *Service) WithBookings(b BookingService) *Service {
	s.bookings = b
	return s
}

// WithNotifier adds a transition event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// bookingLock returns a mutex for the given booking ID.
// This prevents concurrent transitions (e.g. confirm + expiry racing).
func (s *Service) bookingLock(bookingID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(bookingID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open creates the escrow record for a booking at capture time.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Record, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	guest := strings.ToLower(strings.TrimSpace(req.GuestAccount))
	host := strings.ToLower(strings.TrimSpace(req.HostAccount))
	if guest == host {
		return nil, errors.New("guest and host cannot be the same account")
	}

	now := s.now()
	rec := &Record{
		BookingID:    req.BookingID,
		GuestAccount: guest,
		HostAccount:  host,
		Amount:       req.Amount,
		Status:       StatusPending,
		CheckInDate:  req.CheckInDate,
		CaptureRef:   req.CaptureRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	metrics.EscrowOpenedTotal.Inc()
	s.emit(ctx, "escrow.opened", rec)
	return rec, nil
}

// RequestPayment moves pending (or expired) to payment_requested and
// starts the confirmation deadline. Host only; gated on the check-in
// date and on the re-request cooldown.
func (s *Service) RequestPayment(ctx context.Context, bookingID, callerAccount string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.request_payment", traces.BookingID(bookingID))
	defer span.End()

	mu := s.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.getFresh(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if callerAccount != "" && !strings.EqualFold(callerAccount, rec.HostAccount) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	if rec.Status != StatusPending && rec.Status != StatusExpired {
		return nil, s.reject(rec, "request_payment", "only pending or expired escrows accept a payment request")
	}
	if now.Before(rec.CheckInDate) {
		return nil, s.reject(rec, "request_payment", "check-in date not reached")
	}
	if rec.LastRequestAt != nil && now.Before(rec.LastRequestAt.Add(s.requestCooldown)) {
		return nil, s.reject(rec, "request_payment", "request cooldown still running")
	}

	deadline := now.Add(s.confirmWindow)
	rec.Status = StatusPaymentRequested
	rec.PaymentRequestAttempts++
	rec.RequestDeadline = &deadline
	rec.LastRequestAt = &now
	rec.UpdatedAt = now

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPaymentRequested)).Inc()
	s.emit(ctx, "escrow.payment_requested", rec)
	return rec, nil
}

// Confirm releases the held amount to the host's wallet. Guest only;
// must beat the confirmation deadline.
func (s *Service) Confirm(ctx context.Context, bookingID, callerAccount string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm", traces.BookingID(bookingID))
	defer span.End()

	mu := s.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.getFresh(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if callerAccount != "" && !strings.EqualFold(callerAccount, rec.GuestAccount) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	if rec.Status != StatusPaymentRequested || rec.RequestDeadline == nil || !now.Before(*rec.RequestDeadline) {
		return nil, s.reject(rec, "confirm", "no payment request awaiting confirmation")
	}

	// Ledger first, status second: the failure mode we accept is a paid
	// host with a stale record (logged CRITICAL below), never a
	// confirmed record with an unpaid host.
	if err := s.ledger.ReleaseToHost(ctx, rec.HostAccount, rec.Amount, "payout:"+rec.BookingID); err != nil {
		return nil, fmt.Errorf("release funds to host: %w", err)
	}

	if rec.LastRequestAt != nil {
		metrics.EscrowConfirmLatency.Observe(now.Sub(*rec.LastRequestAt).Seconds())
	}

	rec.Status = StatusConfirmed
	rec.RequestDeadline = nil
	rec.ResolvedAt = &now
	rec.UpdatedAt = now

	if err := s.store.Update(ctx, rec); err != nil {
		// Retry once: funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			s.logger.Error("CRITICAL: host paid but escrow status update failed, manual resolution required",
				"bookingId", rec.BookingID, "host", rec.HostAccount, "amount", rec.Amount, "error", retryErr)
			return nil, fmt.Errorf("update escrow after payout (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowConfirmedTotal.Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.emit(ctx, "escrow.confirmed", rec)
	return rec, nil
}

// Decline rejects a repeat payment request. Guest only; the first
// request only offers confirm, so attempts must be >= 2. No funds move;
// the booking is cancelled.
func (s *Service) Decline(ctx context.Context, bookingID, callerAccount, reason string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.decline", traces.BookingID(bookingID))
	defer span.End()

	mu := s.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.getFresh(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if callerAccount != "" && !strings.EqualFold(callerAccount, rec.GuestAccount) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	if rec.Status != StatusPaymentRequested {
		return nil, s.reject(rec, "decline", "no payment request to decline")
	}
	if rec.PaymentRequestAttempts < 2 {
		return nil, s.reject(rec, "decline", "declining is only offered from the second request")
	}

	rec.Status = StatusDeclined
	rec.RequestDeadline = nil
	rec.DeclineReason = reason
	rec.ResolvedAt = &now
	rec.UpdatedAt = now

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	if s.bookings != nil {
		if err := s.bookings.CancelBooking(ctx, rec.BookingID, "guest declined payment: "+reason); err != nil {
			s.logger.Warn("booking cancellation failed after decline", "bookingId", rec.BookingID, "error", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDeclined)).Inc()
	s.emit(ctx, "escrow.declined", rec)
	return rec, nil
}

// RequestRefund returns the captured amount to the guest's wallet.
// Guest only; allowed only once the payment request has expired.
func (s *Service) RequestRefund(ctx context.Context, bookingID, callerAccount string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.BookingID(bookingID))
	defer span.End()

	mu := s.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.getFresh(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if callerAccount != "" && !strings.EqualFold(callerAccount, rec.GuestAccount) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	if rec.Status != StatusExpired {
		return nil, s.reject(rec, "request_refund", "refunds are only offered after a request expires")
	}

	if err := s.ledger.RefundGuest(ctx, rec.GuestAccount, rec.Amount, "refund:"+rec.BookingID); err != nil {
		return nil, fmt.Errorf("refund guest: %w", err)
	}

	rec.Status = StatusRefunded
	rec.ResolvedAt = &now
	rec.UpdatedAt = now

	if err := s.store.Update(ctx, rec); err != nil {
		// Retry once: funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			s.logger.Error("CRITICAL: guest refunded but escrow status update failed, manual resolution required",
				"bookingId", rec.BookingID, "guest", rec.GuestAccount, "amount", rec.Amount, "error", retryErr)
			return nil, fmt.Errorf("update escrow after refund (requires manual resolution): %w", err)
		}
	}

	if s.bookings != nil {
		if err := s.bookings.CancelBooking(ctx, rec.BookingID, "payment request expired, guest refunded"); err != nil {
			s.logger.Warn("booking cancellation failed after refund", "bookingId", rec.BookingID, "error", err)
		}
	}

	metrics.EscrowRefundedTotal.Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.emit(ctx, "escrow.refunded", rec)
	return rec, nil
}

// ExpireRequest flips an elapsed payment request to expired. Called by
// the background timer; reads also apply this lazily, so correctness
// does not depend on the sweep.
func (s *Service) ExpireRequest(ctx context.Context, bookingID string) (*Record, error) {
	mu := s.bookingLock(bookingID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.applyExpiry(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for a booking, lazily applying expiry first.
func (s *Service) Get(ctx context.Context, bookingID string) (*Record, error) {
	rec, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if effectiveStatus(rec, s.now()) == StatusExpired && rec.Status != StatusExpired {
		return s.ExpireRequest(ctx, bookingID)
	}
	return rec, nil
}

// ListByAccount returns escrows involving an account (as guest or host).
func (s *Service) ListByAccount(ctx context.Context, account string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListByAccount(ctx, strings.ToLower(account), limit)
}

// Now exposes the service clock so handlers derive countdowns from the
// same time source.
func (s *Service) Now() time.Time {
	return s.now()
}

// Guard predicates. Screens and API clients call these rather than
// re-deriving status logic; all are pure over (record, now).

// CanRequestPayment reports whether the host may (re-)request payment.
func (s *Service) CanRequestPayment(r *Record, now time.Time) bool {
	if now.Before(r.CheckInDate) {
		return false
	}
	switch effectiveStatus(r, now) {
	case StatusPending:
		return true
	case StatusExpired:
		return r.LastRequestAt == nil || !now.Before(r.LastRequestAt.Add(s.requestCooldown))
	}
	return false
}

// CanConfirm reports whether the guest may confirm the pending request.
func (s *Service) CanConfirm(r *Record, now time.Time) bool {
	return effectiveStatus(r, now) == StatusPaymentRequested &&
		r.RequestDeadline != nil && now.Before(*r.RequestDeadline)
}

// CanDecline reports whether the guest may decline. Declining is only
// offered from the second request onward.
func (s *Service) CanDecline(r *Record, now time.Time) bool {
	return effectiveStatus(r, now) == StatusPaymentRequested &&
		r.PaymentRequestAttempts >= 2
}

// CanRequestRefund reports whether the guest may take a refund.
func (s *Service) CanRequestRefund(r *Record, now time.Time) bool {
	return effectiveStatus(r, now) == StatusExpired
}

// Actions is the set of allowed next operations for a record, computed
// server-side so clients never re-derive guard logic.
type Actions struct {
	CanRequestPayment bool `json:"canRequestPayment"`
	CanConfirm        bool `json:"canConfirm"`
	CanDecline        bool `json:"canDecline"`
	CanRequestRefund  bool `json:"canRequestRefund"`
}

// ActionsFor evaluates all guard predicates at once.
func (s *Service) ActionsFor(r *Record, now time.Time) Actions {
	return Actions{
		CanRequestPayment: s.CanRequestPayment(r, now),
		CanConfirm:        s.CanConfirm(r, now),
		CanDecline:        s.CanDecline(r, now),
		CanRequestRefund:  s.CanRequestRefund(r, now),
	}
}

// getFresh loads a record and applies lazy expiry so guards evaluate
// against the true current status.
func (s *Service) getFresh(ctx context.Context, bookingID string) (*Record, error) {
	rec, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.applyExpiry(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyExpiry persists the payment_requested → expired transition when
// the deadline has elapsed. Mutates rec in place; reports whether a
// transition happened.
func (s *Service) applyExpiry(ctx context.Context, rec *Record) (bool, error) {
	now := s.now()
	if rec.Status != StatusPaymentRequested || rec.RequestDeadline == nil || now.Before(*rec.RequestDeadline) {
		return false, nil
	}

	rec.Status = StatusExpired
	rec.RequestDeadline = nil
	rec.UpdatedAt = now

	if err := s.store.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Another writer got there first; reload and carry on.
			fresh, getErr := s.store.Get(ctx, rec.BookingID)
			if getErr != nil {
				return false, getErr
			}
			*rec = *fresh
			return false, nil
		}
		return false, err
	}

	metrics.EscrowExpiredTotal.Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.emit(ctx, "escrow.expired", rec)
	return true, nil
}

// reject builds the InvalidTransitionError and counts the refusal.
func (s *Service) reject(rec *Record, attempted, reason string) error {
	metrics.EscrowRejectionsTotal.WithLabelValues(attempted).Inc()
	return &InvalidTransitionError{
		BookingID: rec.BookingID,
		Current:   rec.Status,
		Attempted: attempted,
		Reason:    reason,
	}
}

// emit fans a transition out to the notifier. Failures are the
// notifier's problem; the money path never waits on delivery.
func (s *Service) emit(ctx context.Context, event string, rec *Record) {
	if s.notifier == nil {
		return
	}
	cp := *rec
	s.notifier.Notify(ctx, event, &cp)
}
