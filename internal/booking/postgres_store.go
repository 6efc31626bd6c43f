package booking

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/ayodele/kobohold/internal/money"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bookings table. Amounts are BIGINT kobo.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			id             VARCHAR(64) PRIMARY KEY,
			listing_title  VARCHAR(255) NOT NULL,
			guest_account  VARCHAR(254) NOT NULL,
			host_account   VARCHAR(254) NOT NULL,
			check_in_date  TIMESTAMPTZ NOT NULL,
			check_out_date TIMESTAMPTZ NOT NULL,
			nights         INT NOT NULL,
			nightly_amount BIGINT NOT NULL,
			cleaning_fee   BIGINT NOT NULL DEFAULT 0,
			service_fee    BIGINT NOT NULL DEFAULT 0,
			total          BIGINT NOT NULL,
			status         VARCHAR(20) NOT NULL,
			cancel_reason  TEXT,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_nightly_positive CHECK (nightly_amount > 0),
			CONSTRAINT chk_total_positive CHECK (total > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_bookings_guest ON bookings(guest_account);
		CREATE INDEX IF NOT EXISTS idx_bookings_host ON bookings(host_account);
	`)
	return err
}

const bookingColumns = `id, listing_title, guest_account, host_account, check_in_date,
			check_out_date, nights, nightly_amount, cleaning_fee, service_fee,
			total, status, cancel_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, listing_title, guest_account, host_account, check_in_date,
			check_out_date, nights, nightly_amount, cleaning_fee, service_fee,
			total, status, cancel_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		b.ID, b.ListingTitle, b.GuestAccount, b.HostAccount, b.CheckInDate,
		b.CheckOutDate, b.Nights, int64(b.NightlyAmount), int64(b.CleaningFee), int64(b.ServiceFee),
		int64(b.Total), string(b.Status), nullString(b.CancelReason), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrBookingExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)

	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) Update(ctx context.Context, b *Booking) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, cancel_reason = $2, updated_at = $3
		WHERE id = $4`,
		string(b.Status), nullString(b.CancelReason), b.UpdatedAt, b.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, account string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE guest_account = $1 OR host_account = $1
		ORDER BY created_at DESC
		LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		nightly      int64
		cleaning     int64
		service      int64
		total        int64
		status       string
		cancelReason sql.NullString
	)

	err := s.Scan(
		&b.ID, &b.ListingTitle, &b.GuestAccount, &b.HostAccount, &b.CheckInDate,
		&b.CheckOutDate, &b.Nights, &nightly, &cleaning, &service,
		&total, &status, &cancelReason, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.NightlyAmount = money.Kobo(nightly)
	b.CleaningFee = money.Kobo(cleaning)
	b.ServiceFee = money.Kobo(service)
	b.Total = money.Kobo(total)
	b.Status = Status(status)
	b.CancelReason = cancelReason.String

	return b, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
