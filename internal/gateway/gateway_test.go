package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayodele/kobohold/internal/booking"
	"github.com/ayodele/kobohold/internal/escrow"
	"github.com/ayodele/kobohold/internal/money"
)

var testLogger = slog.New(slog.NewTextHandler(discard{}, nil))

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeOpener struct {
	mu     sync.Mutex
	opened []escrow.OpenRequest
}

func (f *fakeOpener) Open(ctx context.Context, req escrow.OpenRequest) (*escrow.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.opened {
		if prev.BookingID == req.BookingID {
			return nil, escrow.ErrRecordExists
		}
	}
	f.opened = append(f.opened, req)
	return &escrow.Record{BookingID: req.BookingID, Status: escrow.StatusPending}, nil
}

type fakeBookings struct {
	bookings map[string]*booking.Booking
}

func (f *fakeBookings) Get(ctx context.Context, id string) (*booking.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	return b, nil
}

func testBooking() *booking.Booking {
	return &booking.Booking{
		ID:           "bkg_0123456789abcdef01234567",
		GuestAccount: "guest@example.com",
		HostAccount:  "host@example.com",
		CheckInDate:  time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC),
		Total:        100000,
		Status:       booking.StatusReserved,
	}
}

func newTestService() (*Service, *fakeOpener) {
	opener := &fakeOpener{}
	bookings := &fakeBookings{bookings: map[string]*booking.Booking{
		"bkg_0123456789abcdef01234567": testBooking(),
	}}
	svc := NewService(NewMemoryStore(), opener, bookings, testLogger)
	return svc, opener
}

func TestProcessCapture_OpensEscrow(t *testing.T) {
	svc, opener := newTestService()

	capture, replay, err := svc.ProcessCapture(context.Background(), CapturePayload{
		Reference: "psk_ref_001",
		BookingID: "bkg_0123456789abcdef01234567",
		Amount:    100000,
	})
	if err != nil {
		t.Fatalf("ProcessCapture failed: %v", err)
	}
	if replay {
		t.Error("first capture must not be a replay")
	}
	if capture.Reference != "psk_ref_001" || capture.Amount != 100000 {
		t.Errorf("unexpected capture %+v", capture)
	}
	if len(opener.opened) != 1 {
		t.Fatalf("expected 1 escrow opened, got %d", len(opener.opened))
	}
	req := opener.opened[0]
	if req.GuestAccount != "guest@example.com" || req.HostAccount != "host@example.com" {
		t.Errorf("escrow seeded with wrong parties: %+v", req)
	}
	if req.CaptureRef != "psk_ref_001" {
		t.Errorf("expected capture reference carried into escrow, got %s", req.CaptureRef)
	}
}

func TestProcessCapture_IdempotentOnReference(t *testing.T) {
	svc, opener := newTestService()
	ctx := context.Background()
	payload := CapturePayload{
		Reference: "psk_ref_001",
		BookingID: "bkg_0123456789abcdef01234567",
		Amount:    100000,
	}

	first, _, err := svc.ProcessCapture(ctx, payload)
	if err != nil {
		t.Fatalf("first capture failed: %v", err)
	}
	second, replay, err := svc.ProcessCapture(ctx, payload)
	if err != nil {
		t.Fatalf("replayed capture failed: %v", err)
	}
	if !replay {
		t.Error("expected replay=true on the second delivery")
	}
	if second.ID != first.ID {
		t.Errorf("expected the original capture back, got %s vs %s", second.ID, first.ID)
	}
	if len(opener.opened) != 1 {
		t.Errorf("expected exactly 1 escrow opened, got %d", len(opener.opened))
	}
}

func TestProcessCapture_Rejections(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, err := svc.ProcessCapture(ctx, CapturePayload{Reference: "", BookingID: "x", Amount: 100})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for empty reference, got %v", err)
	}

	_, _, err = svc.ProcessCapture(ctx, CapturePayload{Reference: "r", BookingID: "x", Amount: 0})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for zero amount, got %v", err)
	}

	_, _, err = svc.ProcessCapture(ctx, CapturePayload{
		Reference: "psk_ref_002",
		BookingID: "bkg_unknown",
		Amount:    100000,
	})
	if !errors.Is(err, booking.ErrBookingNotFound) {
		t.Errorf("expected booking not found, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"reference":"psk_ref_001"}`)
	secret := "whsec_test"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !VerifySignature(body, sig, secret) {
		t.Error("expected valid signature to verify")
	}
	if VerifySignature(body, sig, "wrong_secret") {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte("tampered"), sig, secret) {
		t.Error("expected tampered body to fail")
	}
	if VerifySignature(body, "", secret) {
		t.Error("expected missing signature to fail")
	}
	if VerifySignature(body, sig, "") {
		t.Error("expected missing secret to fail")
	}
}

func TestHandleWebhook(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := "whsec_test"

	svc, _ := newTestService()
	handler := NewHandler(svc, secret)
	router := gin.New()
	handler.RegisterRoutes(router.Group("/v1"))

	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}
	post := func(body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/gateway/webhook", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	body, _ := json.Marshal(CapturePayload{
		Reference: "psk_ref_001",
		BookingID: "bkg_0123456789abcdef01234567",
		Amount:    money.Kobo(100000),
	})

	if w := post(body, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}
	if w := post(body, "deadbeef"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad signature, got %d", w.Code)
	}
	if w := post(body, sign(body)); w.Code != http.StatusCreated {
		t.Errorf("expected 201 on first delivery, got %d: %s", w.Code, w.Body.String())
	}
	if w := post(body, sign(body)); w.Code != http.StatusOK {
		t.Errorf("expected 200 on replay, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleWebhook_NoSecretAcceptsUnsigned(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc, opener := newTestService()
	handler := NewHandler(svc, "")
	router := gin.New()
	handler.RegisterRoutes(router.Group("/v1"))

	body, _ := json.Marshal(CapturePayload{
		Reference: "psk_ref_001",
		BookingID: "bkg_0123456789abcdef01234567",
		Amount:    money.Kobo(100000),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 for unsigned capture without a configured secret, got %d: %s", w.Code, w.Body.String())
	}
	if len(opener.opened) != 1 {
		t.Errorf("expected the capture to open an escrow, got %d opened", len(opener.opened))
	}
}
