package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/ayodele/kobohold/internal/money"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow table. Amounts are BIGINT kobo.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			booking_id       VARCHAR(64) PRIMARY KEY,
			guest_account    VARCHAR(254) NOT NULL,
			host_account     VARCHAR(254) NOT NULL,
			amount           BIGINT NOT NULL,
			status           VARCHAR(20) NOT NULL,
			request_attempts INT NOT NULL DEFAULT 0,
			request_deadline TIMESTAMPTZ,
			last_request_at  TIMESTAMPTZ,
			check_in_date    TIMESTAMPTZ NOT NULL,
			capture_ref      VARCHAR(255),
			decline_reason   TEXT,
			version          BIGINT NOT NULL DEFAULT 0,
			resolved_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_guest ON escrows(guest_account);
		CREATE INDEX IF NOT EXISTS idx_escrows_host ON escrows(host_account);
		CREATE INDEX IF NOT EXISTS idx_escrows_deadline
			ON escrows(request_deadline) WHERE status = 'payment_requested';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			booking_id, guest_account, host_account, amount, status,
			request_attempts, request_deadline, last_request_at, check_in_date,
			capture_ref, decline_reason, version, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)`,
		r.BookingID, r.GuestAccount, r.HostAccount, int64(r.Amount), string(r.Status),
		r.PaymentRequestAttempts, nullTime(r.RequestDeadline), nullTime(r.LastRequestAt), r.CheckInDate,
		nullString(r.CaptureRef), nullString(r.DeclineReason), r.Version, nullTime(r.ResolvedAt), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrRecordExists
		}
		return err
	}
	return nil
}

const escrowColumns = `booking_id, guest_account, host_account, amount, status,
		       request_attempts, request_deadline, last_request_at, check_in_date,
		       capture_ref, decline_reason, version, resolved_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, bookingID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE booking_id = $1`, bookingID)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// Update persists a record guarded by a version compare-and-swap. The
// caller's record must carry the version it read; the stored version is
// incremented on success.
func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, request_attempts = $2, request_deadline = $3,
			last_request_at = $4, decline_reason = $5, resolved_at = $6,
			updated_at = $7, version = version + 1
		WHERE booking_id = $8 AND version = $9`,
		string(r.Status), r.PaymentRequestAttempts, nullTime(r.RequestDeadline),
		nullTime(r.LastRequestAt), nullString(r.DeclineReason), nullTime(r.ResolvedAt),
		r.UpdatedAt, r.BookingID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing record from a lost CAS race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE booking_id = $1)`, r.BookingID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, account string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE guest_account = $1 OR host_account = $1
		ORDER BY created_at DESC
		LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListExpiredRequests(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'payment_requested'
		  AND request_deadline <= $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		amount          int64
		status          string
		requestDeadline sql.NullTime
		lastRequestAt   sql.NullTime
		captureRef      sql.NullString
		declineReason   sql.NullString
		resolvedAt      sql.NullTime
	)

	err := s.Scan(
		&r.BookingID, &r.GuestAccount, &r.HostAccount, &amount, &status,
		&r.PaymentRequestAttempts, &requestDeadline, &lastRequestAt, &r.CheckInDate,
		&captureRef, &declineReason, &r.Version, &resolvedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Amount = money.Kobo(amount)
	r.Status = Status(status)
	r.CaptureRef = captureRef.String
	r.DeclineReason = declineReason.String
	if requestDeadline.Valid {
		r.RequestDeadline = &requestDeadline.Time
	}
	if lastRequestAt.Valid {
		r.LastRequestAt = &lastRequestAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}

	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
