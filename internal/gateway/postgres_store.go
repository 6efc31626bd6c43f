package gateway

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/ayodele/kobohold/internal/money"
)

// PostgresStore persists processed captures in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed capture store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the captures table. The unique reference makes
// webhook replays a no-op at the database level.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gateway_captures (
			id          VARCHAR(64) PRIMARY KEY,
			reference   VARCHAR(255) NOT NULL UNIQUE,
			booking_id  VARCHAR(64) NOT NULL,
			amount      BIGINT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_capture_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_captures_booking ON gateway_captures(booking_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, c *Capture) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_captures (id, reference, booking_id, amount, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Reference, c.BookingID, int64(c.Amount), c.ReceivedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateCapture
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Capture, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, reference, booking_id, amount, received_at
		FROM gateway_captures
		WHERE reference = $1`, reference)

	c := &Capture{}
	var amount int64
	err := row.Scan(&c.ID, &c.Reference, &c.BookingID, &amount, &c.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCaptureNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Amount = money.Kobo(amount)
	return c, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
