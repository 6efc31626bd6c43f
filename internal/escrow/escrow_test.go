package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ayodele/kobohold/internal/money"
)

type ledgerCall struct {
	account   string
	amount    money.Kobo
	reference string
}

// fakeLedger records payout and refund calls.
type fakeLedger struct {
	mu       sync.Mutex
	payouts  []ledgerCall
	refunds  []ledgerCall
	failNext error
}

func (f *fakeLedger) ReleaseToHost(ctx context.Context, host string, amount money.Kobo, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.payouts = append(f.payouts, ledgerCall{host, amount, ref})
	return nil
}

func (f *fakeLedger) RefundGuest(ctx context.Context, guest string, amount money.Kobo, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.refunds = append(f.refunds, ledgerCall{guest, amount, ref})
	return nil
}

type fakeBookings struct {
	mu        sync.Mutex
	cancelled []string
	failNext  error
}

func (f *fakeBookings) CancelBooking(ctx context.Context, bookingID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.cancelled = append(f.cancelled, bookingID)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event string, r *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

// testClock is an adjustable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testLogger = slog.New(slog.NewTextHandler(discard{}, nil))

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// newTestService wires a service against in-memory fakes with the clock
// starting at the check-in date.
func newTestService(t *testing.T) (*Service, *fakeLedger, *fakeBookings, *fakeNotifier, *testClock) {
	t.Helper()
	clock := newTestClock(time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC))
	ledger := &fakeLedger{}
	bookings := &fakeBookings{}
	notifier := &fakeNotifier{}
	svc := NewService(NewMemoryStore(), ledger, testLogger).
		WithBookings(bookings).
		WithNotifier(notifier).
		WithClock(clock.Now)
	return svc, ledger, bookings, notifier, clock
}

func openEscrow(t *testing.T, svc *Service, clock *testClock) *Record {
	t.Helper()
	rec, err := svc.Open(context.Background(), OpenRequest{
		BookingID:    "bkg_0123456789abcdef01234567",
		GuestAccount: "guest@example.com",
		HostAccount:  "host@example.com",
		Amount:       100000,
		CheckInDate:  clock.Now(),
		CaptureRef:   "cap_abc123",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return rec
}

func TestOpen_StartsPending(t *testing.T) {
	svc, _, _, notifier, clock := newTestService(t)

	rec := openEscrow(t, svc, clock)

	if rec.Status != StatusPending {
		t.Errorf("expected status pending, got %s", rec.Status)
	}
	if rec.PaymentRequestAttempts != 0 {
		t.Errorf("expected 0 attempts, got %d", rec.PaymentRequestAttempts)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "escrow.opened" {
		t.Errorf("expected escrow.opened event, got %v", notifier.events)
	}
}

func TestOpen_RejectsInvalidRequests(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, OpenRequest{
		BookingID:    "bkg_0123456789abcdef01234567",
		GuestAccount: "guest@example.com",
		HostAccount:  "host@example.com",
		Amount:       0,
		CheckInDate:  clock.Now(),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero amount, got %v", err)
	}

	_, err = svc.Open(ctx, OpenRequest{
		BookingID:    "bkg_0123456789abcdef01234567",
		GuestAccount: "Same@example.com",
		HostAccount:  "same@example.com",
		Amount:       100000,
		CheckInDate:  clock.Now(),
	})
	if err == nil {
		t.Error("expected error when guest and host are the same account")
	}

	openEscrow(t, svc, clock)
	_, err = svc.Open(ctx, OpenRequest{
		BookingID:    "bkg_0123456789abcdef01234567",
		GuestAccount: "guest@example.com",
		HostAccount:  "host@example.com",
		Amount:       100000,
		CheckInDate:  clock.Now(),
	})
	if !errors.Is(err, ErrRecordExists) {
		t.Errorf("expected ErrRecordExists on duplicate booking, got %v", err)
	}
}

func TestRequestPayment_BeforeCheckInRejected(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Open(ctx, OpenRequest{
		BookingID:    "bkg_0123456789abcdef01234567",
		GuestAccount: "guest@example.com",
		HostAccount:  "host@example.com",
		Amount:       100000,
		CheckInDate:  clock.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err = svc.RequestPayment(ctx, rec.BookingID, "host@example.com")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError before check-in, got %v", err)
	}
	if transition.Current != StatusPending {
		t.Errorf("expected current status pending, got %s", transition.Current)
	}
}

func TestRequestPayment_StartsDeadline(t *testing.T) {
	svc, _, _, notifier, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	rec, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com")
	if err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	if rec.Status != StatusPaymentRequested {
		t.Errorf("expected payment_requested, got %s", rec.Status)
	}
	if rec.PaymentRequestAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.PaymentRequestAttempts)
	}
	if rec.RequestDeadline == nil {
		t.Fatal("expected a deadline to be set")
	}
	if got := rec.RequestDeadline.Sub(clock.Now()); got != DefaultConfirmWindow {
		t.Errorf("expected deadline %v ahead, got %v", DefaultConfirmWindow, got)
	}
	if RemainingTime(rec, clock.Now()) != DefaultConfirmWindow {
		t.Errorf("expected full window remaining")
	}

	last := notifier.events[len(notifier.events)-1]
	if last != "escrow.payment_requested" {
		t.Errorf("expected escrow.payment_requested event, got %s", last)
	}
}

func TestRequestPayment_HostOnly(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	openEscrow(t, svc, clock)

	_, err := svc.RequestPayment(context.Background(), "bkg_0123456789abcdef01234567", "guest@example.com")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for guest caller, got %v", err)
	}
}

func TestConfirm_WithinWindowCreditsHostOnce(t *testing.T) {
	svc, ledger, _, notifier, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	clock.Advance(60 * time.Second)

	rec, err := svc.Confirm(ctx, "bkg_0123456789abcdef01234567", "guest@example.com")
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	if rec.Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %s", rec.Status)
	}
	if rec.RequestDeadline != nil {
		t.Error("expected deadline cleared after confirm")
	}
	if rec.ResolvedAt == nil {
		t.Error("expected resolvedAt set")
	}
	if len(ledger.payouts) != 1 {
		t.Fatalf("expected exactly 1 payout, got %d", len(ledger.payouts))
	}
	payout := ledger.payouts[0]
	if payout.account != "host@example.com" || payout.amount != 100000 {
		t.Errorf("unexpected payout %+v", payout)
	}
	if payout.reference != "payout:bkg_0123456789abcdef01234567" {
		t.Errorf("unexpected payout reference %s", payout.reference)
	}
	if len(ledger.refunds) != 0 {
		t.Errorf("expected no refunds, got %d", len(ledger.refunds))
	}

	last := notifier.events[len(notifier.events)-1]
	if last != "escrow.confirmed" {
		t.Errorf("expected escrow.confirmed event, got %s", last)
	}
}

func TestConfirm_AfterDeadlineRejectedThenRefund(t *testing.T) {
	svc, ledger, bookings, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	clock.Advance(121 * time.Second)

	_, err := svc.Confirm(ctx, "bkg_0123456789abcdef01234567", "guest@example.com")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError past deadline, got %v", err)
	}

	rec, err := svc.RequestRefund(ctx, "bkg_0123456789abcdef01234567", "guest@example.com")
	if err != nil {
		t.Fatalf("RequestRefund failed: %v", err)
	}
	if rec.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", rec.Status)
	}
	if len(ledger.payouts) != 0 {
		t.Errorf("expected zero host payouts, got %d", len(ledger.payouts))
	}
	if len(ledger.refunds) != 1 {
		t.Fatalf("expected 1 refund, got %d", len(ledger.refunds))
	}
	refund := ledger.refunds[0]
	if refund.account != "guest@example.com" || refund.amount != 100000 {
		t.Errorf("unexpected refund %+v", refund)
	}
	if refund.reference != "refund:bkg_0123456789abcdef01234567" {
		t.Errorf("unexpected refund reference %s", refund.reference)
	}
	if len(bookings.cancelled) != 1 {
		t.Errorf("expected booking cancelled after refund, got %v", bookings.cancelled)
	}
}

func TestConfirm_GuestOnly(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	_, err := svc.Confirm(ctx, "bkg_0123456789abcdef01234567", "host@example.com")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for host caller, got %v", err)
	}
}

func TestConfirm_LedgerFailureLeavesStatusUntouched(t *testing.T) {
	svc, ledger, _, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	ledger.failNext = errors.New("ledger unavailable")
	if _, err := svc.Confirm(ctx, "bkg_0123456789abcdef01234567", "guest@example.com"); err == nil {
		t.Fatal("expected error when ledger fails")
	}

	rec, err := svc.Get(ctx, "bkg_0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusPaymentRequested {
		t.Errorf("expected status unchanged after ledger failure, got %s", rec.Status)
	}
}

func TestExpiry_LazyOnRead(t *testing.T) {
	svc, _, _, notifier, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	clock.Advance(DefaultConfirmWindow)

	rec, err := svc.Get(ctx, "bkg_0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusExpired {
		t.Errorf("expected expired on read after deadline, got %s", rec.Status)
	}
	if rec.RequestDeadline != nil {
		t.Error("expected deadline cleared on expiry")
	}
	if RemainingTime(rec, clock.Now()) != 0 {
		t.Error("expected zero remaining time after expiry")
	}

	last := notifier.events[len(notifier.events)-1]
	if last != "escrow.expired" {
		t.Errorf("expected escrow.expired event, got %s", last)
	}
}

func TestDecline_FirstRequestNotOffered(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}

	_, err := svc.Decline(ctx, "bkg_0123456789abcdef01234567", "guest@example.com", "changed my mind")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError on first request decline, got %v", err)
	}
}

func TestDecline_SecondRequestCancelsBooking(t *testing.T) {
	svc, ledger, bookings, notifier, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	// First request expires.
	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("first RequestPayment failed: %v", err)
	}
	clock.Advance(DefaultConfirmWindow)
	if _, err := svc.Get(ctx, "bkg_0123456789abcdef01234567"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Cooldown elapses, host re-requests.
	clock.Advance(DefaultRequestCooldown)
	rec, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com")
	if err != nil {
		t.Fatalf("second RequestPayment failed: %v", err)
	}
	if rec.PaymentRequestAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.PaymentRequestAttempts)
	}

	rec, err = svc.Decline(ctx, "bkg_0123456789abcdef01234567", "guest@example.com", "host unresponsive")
	if err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if rec.Status != StatusDeclined {
		t.Errorf("expected declined, got %s", rec.Status)
	}
	if rec.DeclineReason != "host unresponsive" {
		t.Errorf("expected decline reason recorded, got %q", rec.DeclineReason)
	}
	if len(ledger.payouts) != 0 || len(ledger.refunds) != 0 {
		t.Error("expected no funds to move on decline")
	}
	if len(bookings.cancelled) != 1 {
		t.Errorf("expected booking cancelled, got %v", bookings.cancelled)
	}
	last := notifier.events[len(notifier.events)-1]
	if last != "escrow.declined" {
		t.Errorf("expected escrow.declined event, got %s", last)
	}
}

func TestRequestPayment_CooldownRejected(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}
	clock.Advance(DefaultConfirmWindow)
	if _, err := svc.Get(ctx, "bkg_0123456789abcdef01234567"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Deadline elapsed but the cooldown (measured from the last request)
	// has not: the re-request must wait.
	_, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError during cooldown, got %v", err)
	}

	clock.Advance(DefaultRequestCooldown)
	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Errorf("expected re-request to succeed after cooldown, got %v", err)
	}
}

func TestRefund_OnlyAfterExpiry(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	_, err := svc.RequestRefund(ctx, "bkg_0123456789abcdef01234567", "guest@example.com")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError refunding a pending escrow, got %v", err)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}
	if _, err := svc.Confirm(ctx, "bkg_0123456789abcdef01234567", "guest@example.com"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	rec, _ := svc.Get(ctx, "bkg_0123456789abcdef01234567")
	if !rec.IsTerminal() {
		t.Fatal("expected confirmed to be terminal")
	}

	clock.Advance(DefaultRequestCooldown)

	ops := []struct {
		name string
		call func() error
	}{
		{"request_payment", func() error {
			_, err := svc.RequestPayment(ctx, rec.BookingID, "host@example.com")
			return err
		}},
		{"confirm", func() error {
			_, err := svc.Confirm(ctx, rec.BookingID, "guest@example.com")
			return err
		}},
		{"decline", func() error {
			_, err := svc.Decline(ctx, rec.BookingID, "guest@example.com", "x")
			return err
		}},
		{"refund", func() error {
			_, err := svc.RequestRefund(ctx, rec.BookingID, "guest@example.com")
			return err
		}},
	}
	for _, op := range ops {
		err := op.call()
		var transition *InvalidTransitionError
		if !errors.As(err, &transition) {
			t.Errorf("%s on terminal record: expected InvalidTransitionError, got %v", op.name, err)
		}
	}
}

func TestActionsFor_TracksLifecycle(t *testing.T) {
	svc, _, _, _, clock := newTestService(t)
	ctx := context.Background()
	rec := openEscrow(t, svc, clock)

	a := svc.ActionsFor(rec, clock.Now())
	if !a.CanRequestPayment || a.CanConfirm || a.CanDecline || a.CanRequestRefund {
		t.Errorf("pending at check-in: unexpected actions %+v", a)
	}

	rec, err := svc.RequestPayment(ctx, rec.BookingID, "host@example.com")
	if err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}
	a = svc.ActionsFor(rec, clock.Now())
	if a.CanRequestPayment || !a.CanConfirm || a.CanDecline || a.CanRequestRefund {
		t.Errorf("first request: unexpected actions %+v", a)
	}

	clock.Advance(DefaultConfirmWindow)
	a = svc.ActionsFor(rec, clock.Now())
	if a.CanConfirm || !a.CanRequestRefund {
		t.Errorf("after deadline: unexpected actions %+v", a)
	}
	// Cooldown still running from the original request timestamp.
	if a.CanRequestPayment != (DefaultConfirmWindow >= DefaultRequestCooldown) {
		t.Errorf("after deadline: unexpected canRequestPayment %+v", a)
	}

	clock.Advance(DefaultRequestCooldown)
	rec, err = svc.RequestPayment(ctx, rec.BookingID, "host@example.com")
	if err != nil {
		t.Fatalf("re-request failed: %v", err)
	}
	a = svc.ActionsFor(rec, clock.Now())
	if !a.CanConfirm || !a.CanDecline {
		t.Errorf("second request: expected confirm and decline offered, got %+v", a)
	}
}

// limitStore records the limit passed down to ListByAccount.
type limitStore struct {
	Store
	lastLimit int
}

func (s *limitStore) ListByAccount(ctx context.Context, account string, limit int) ([]*Record, error) {
	s.lastLimit = limit
	return s.Store.ListByAccount(ctx, account, limit)
}

func TestListByAccount_ClampsLimit(t *testing.T) {
	store := &limitStore{Store: NewMemoryStore()}
	svc := NewService(store, &fakeLedger{}, testLogger)

	cases := []struct {
		name  string
		limit int
		want  int
	}{
		{"default on zero", 0, 50},
		{"default on negative", -5, 50},
		{"passes small limit", 25, 25},
		{"caps oversized limit", 1000, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ListByAccount(context.Background(), "guest@example.com", tc.limit); err != nil {
				t.Fatalf("ListByAccount failed: %v", err)
			}
			if store.lastLimit != tc.want {
				t.Errorf("expected limit %d at the store, got %d", tc.want, store.lastLimit)
			}
		})
	}
}

func TestUpdate_VersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	rec := &Record{
		BookingID:    "bkg_0123456789abcdef01234567",
		GuestAccount: "guest@example.com",
		HostAccount:  "host@example.com",
		Amount:       100000,
		Status:       StatusPending,
		CheckInDate:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a, _ := store.Get(ctx, rec.BookingID)
	b, _ := store.Get(ctx, rec.BookingID)

	a.Status = StatusPaymentRequested
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}

	b.Status = StatusDeclined
	if err := store.Update(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on stale write, got %v", err)
	}

	stored, _ := store.Get(ctx, rec.BookingID)
	if stored.Status != StatusPaymentRequested {
		t.Errorf("expected winning write preserved, got %s", stored.Status)
	}
}

func TestNotifierAbsenceDoesNotBlock(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC))
	svc := NewService(NewMemoryStore(), &fakeLedger{}, testLogger).WithClock(clock.Now)

	rec := openEscrow(t, svc, clock)
	if _, err := svc.RequestPayment(context.Background(), rec.BookingID, "host@example.com"); err != nil {
		t.Fatalf("RequestPayment without notifier failed: %v", err)
	}
}

func TestTimer_SweepsExpiredRequests(t *testing.T) {
	svc, _, _, notifier, clock := newTestService(t)
	store := svc.store
	ctx := context.Background()
	openEscrow(t, svc, clock)

	if _, err := svc.RequestPayment(ctx, "bkg_0123456789abcdef01234567", "host@example.com"); err != nil {
		t.Fatalf("RequestPayment failed: %v", err)
	}
	clock.Advance(DefaultConfirmWindow + time.Second)

	timer := NewTimer(svc, store, testLogger)
	timer.expireDue(ctx)

	rec, err := svc.Get(ctx, "bkg_0123456789abcdef01234567")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != StatusExpired {
		t.Errorf("expected expired after sweep, got %s", rec.Status)
	}
	last := notifier.events[len(notifier.events)-1]
	if last != "escrow.expired" {
		t.Errorf("expected escrow.expired event, got %s", last)
	}
}

func TestRemainingTime_NeverNegative(t *testing.T) {
	now := time.Now()
	deadline := now.Add(-30 * time.Second)
	rec := &Record{Status: StatusPaymentRequested, RequestDeadline: &deadline}
	if got := RemainingTime(rec, now); got != 0 {
		t.Errorf("expected 0 for elapsed deadline, got %v", got)
	}
	rec2 := &Record{Status: StatusPending}
	if got := RemainingTime(rec2, now); got != 0 {
		t.Errorf("expected 0 when no deadline running, got %v", got)
	}
}
