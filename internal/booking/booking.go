// Package booking stores apartment reservations and prices them in
// kobo. Escrow reads the parties, check-in date, and total from here at
// open time; declined or refunded escrows cancel the booking.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayodele/kobohold/internal/idgen"
	"github.com/ayodele/kobohold/internal/money"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	ErrBookingExists   = errors.New("booking already exists")
	ErrInvalidDates    = errors.New("check-out must be after check-in")
	ErrInvalidAmount   = errors.New("invalid nightly amount")
	ErrAlreadyResolved = errors.New("booking already cancelled or completed")
)

// Status represents the state of a booking.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Booking is one reservation. Total is derived at creation time from
// the nightly rate and the configured fees, never recomputed client-side.
type Booking struct {
	ID            string     `json:"id"`
	ListingTitle  string     `json:"listingTitle"`
	GuestAccount  string     `json:"guestAccount"`
	HostAccount   string     `json:"hostAccount"`
	CheckInDate   time.Time  `json:"checkInDate"`
	CheckOutDate  time.Time  `json:"checkOutDate"`
	Nights        int        `json:"nights"`
	NightlyAmount money.Kobo `json:"nightlyAmount"`
	CleaningFee   money.Kobo `json:"cleaningFee"`
	ServiceFee    money.Kobo `json:"serviceFee"`
	Total         money.Kobo `json:"total"`
	Status        Status     `json:"status"`
	CancelReason  string     `json:"cancelReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists bookings.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	ListByAccount(ctx context.Context, account string, limit int) ([]*Booking, error)
}

// Fees are the platform charges added to every booking total.
type Fees struct {
	Cleaning money.Kobo
	Service  money.Kobo
}

// CreateRequest contains the parameters for reserving a booking.
type CreateRequest struct {
	ListingTitle  string     `json:"listingTitle" binding:"required"`
	GuestAccount  string     `json:"guestAccount" binding:"required"`
	HostAccount   string     `json:"hostAccount" binding:"required"`
	CheckInDate   time.Time  `json:"checkInDate" binding:"required"`
	CheckOutDate  time.Time  `json:"checkOutDate" binding:"required"`
	NightlyAmount money.Kobo `json:"nightlyAmount" binding:"required"`
}

// Service manages the booking lifecycle.
type Service struct {
	store Store
	fees  Fees
	now   func() time.Time
}

// NewService creates a new booking service.
func NewService(store Store, fees Fees) *Service {
	return &Service{store: store, fees: fees, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create reserves a booking and prices it: nights * nightly rate plus
// the configured cleaning and service fees.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	if req.NightlyAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.CheckOutDate.After(req.CheckInDate) {
		return nil, ErrInvalidDates
	}
	guest := strings.ToLower(strings.TrimSpace(req.GuestAccount))
	host := strings.ToLower(strings.TrimSpace(req.HostAccount))
	if guest == host {
		return nil, errors.New("guest and host cannot be the same account")
	}

	nights := int(req.CheckOutDate.Sub(req.CheckInDate).Hours() / 24)
	if nights < 1 {
		nights = 1
	}

	now := s.now()
	b := &Booking{
		ID:            idgen.WithPrefix("bkg_"),
		ListingTitle:  strings.TrimSpace(req.ListingTitle),
		GuestAccount:  guest,
		HostAccount:   host,
		CheckInDate:   req.CheckInDate,
		CheckOutDate:  req.CheckOutDate,
		Nights:        nights,
		NightlyAmount: req.NightlyAmount,
		CleaningFee:   s.fees.Cleaning,
		ServiceFee:    s.fees.Service,
		Total:         req.NightlyAmount*money.Kobo(nights) + s.fees.Cleaning + s.fees.Service,
		Status:        StatusReserved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	return b, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns bookings involving an account (as guest or host).
func (s *Service) ListByAccount(ctx context.Context, account string, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, strings.ToLower(account), limit)
}

// CancelBooking marks a reserved booking cancelled. Satisfies the
// cancellation interface escrow depends on.
func (s *Service) CancelBooking(ctx context.Context, id, reason string) error {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != StatusReserved {
		return ErrAlreadyResolved
	}

	b.Status = StatusCancelled
	b.CancelReason = reason
	b.UpdatedAt = s.now()
	return s.store.Update(ctx, b)
}

// Complete marks a reserved booking completed (stay finished, payment
// released).
func (s *Service) Complete(ctx context.Context, id string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusReserved {
		return nil, ErrAlreadyResolved
	}

	b.Status = StatusCompleted
	b.UpdatedAt = s.now()
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}
