package booking

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ayodele/kobohold/internal/money"
)

var testFees = Fees{Cleaning: 550000, Service: 120000}

func newTestService() *Service {
	return NewService(NewMemoryStore(), testFees)
}

func validRequest() CreateRequest {
	checkIn := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)
	return CreateRequest{
		ListingTitle:  "2-bed apartment, Lekki Phase 1",
		GuestAccount:  "guest@example.com",
		HostAccount:   "host@example.com",
		CheckInDate:   checkIn,
		CheckOutDate:  checkIn.Add(3 * 24 * time.Hour),
		NightlyAmount: 4500000,
	}
}

func TestCreate_PricesBooking(t *testing.T) {
	svc := newTestService()

	b, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !strings.HasPrefix(b.ID, "bkg_") {
		t.Errorf("expected bkg_ prefixed ID, got %s", b.ID)
	}
	if b.Nights != 3 {
		t.Errorf("expected 3 nights, got %d", b.Nights)
	}
	want := money.Kobo(3*4500000) + testFees.Cleaning + testFees.Service
	if b.Total != want {
		t.Errorf("expected total %d, got %d", want, b.Total)
	}
	if b.Status != StatusReserved {
		t.Errorf("expected reserved, got %s", b.Status)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr error
	}{
		{
			name:    "zero nightly amount",
			mutate:  func(r *CreateRequest) { r.NightlyAmount = 0 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative nightly amount",
			mutate:  func(r *CreateRequest) { r.NightlyAmount = -100 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "check-out before check-in",
			mutate:  func(r *CreateRequest) { r.CheckOutDate = r.CheckInDate.Add(-24 * time.Hour) },
			wantErr: ErrInvalidDates,
		},
		{
			name:    "check-out equals check-in",
			mutate:  func(r *CreateRequest) { r.CheckOutDate = r.CheckInDate },
			wantErr: ErrInvalidDates,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.Create(ctx, req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	req := validRequest()
	req.HostAccount = "Guest@Example.com"
	if _, err := svc.Create(ctx, req); err == nil {
		t.Error("expected error when guest and host are the same account")
	}
}

func TestCancelBooking(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	b, err := svc.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.CancelBooking(ctx, b.ID, "guest declined payment"); err != nil {
		t.Fatalf("CancelBooking failed: %v", err)
	}

	got, err := svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CancelReason != "guest declined payment" {
		t.Errorf("expected reason recorded, got %q", got.CancelReason)
	}

	if err := svc.CancelBooking(ctx, b.ID, "again"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved on second cancel, got %v", err)
	}
	if err := svc.CancelBooking(ctx, "bkg_missing", "x"); !errors.Is(err, ErrBookingNotFound) {
		t.Errorf("expected ErrBookingNotFound, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	b, err := svc.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done, err := svc.Complete(ctx, b.ID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}

	if _, err := svc.Complete(ctx, b.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved on second complete, got %v", err)
	}
}

func TestListByAccount(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, validRequest()); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	other := validRequest()
	other.GuestAccount = "other@example.com"
	if _, err := svc.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	asGuest, err := svc.ListByAccount(ctx, "GUEST@example.com", 10)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(asGuest) != 3 {
		t.Errorf("expected 3 bookings for guest, got %d", len(asGuest))
	}

	asHost, err := svc.ListByAccount(ctx, "host@example.com", 10)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(asHost) != 4 {
		t.Errorf("expected 4 bookings for host, got %d", len(asHost))
	}
}
