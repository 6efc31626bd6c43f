package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ayodele/kobohold/internal/money"
	"github.com/ayodele/kobohold/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables. Amounts are BIGINT kobo.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_balances (
			owner       VARCHAR(254) PRIMARY KEY,
			available   BIGINT NOT NULL DEFAULT 0,
			total_in    BIGINT NOT NULL DEFAULT 0,
			total_out   BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_total_in_nonneg  CHECK (total_in >= 0),
			CONSTRAINT chk_total_out_nonneg CHECK (total_out >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_entries (
			id          VARCHAR(36) PRIMARY KEY,
			owner       VARCHAR(254) NOT NULL,
			kind        VARCHAR(20) NOT NULL,
			amount      BIGINT NOT NULL,
			reference   VARCHAR(255),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_owner_ref
			ON wallet_entries(owner, reference) WHERE reference IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_wallet_owner ON wallet_entries(owner);
		CREATE INDEX IF NOT EXISTS idx_wallet_created ON wallet_entries(created_at DESC);
	`)
	return err
}

// GetBalance retrieves an account's cached balance.
func (p *PostgresStore) GetBalance(ctx context.Context, owner string) (*Balance, error) {
	bal := &Balance{Owner: owner}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM wallet_balances WHERE owner = $1
	`, owner).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{Owner: owner, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Post appends a ledger entry and adjusts the cached balance in one
// serializable transaction. The CHECK constraint on available prevents
// overdraft at the DB level.
func (p *PostgresStore) Post(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_balances (owner, available, total_in, total_out, updated_at)
		VALUES ($1, $2, GREATEST($2, 0), GREATEST(-$2, 0), NOW())
		ON CONFLICT (owner) DO UPDATE SET
			available  = wallet_balances.available + $2,
			total_in   = wallet_balances.total_in  + GREATEST($2, 0),
			total_out  = wallet_balances.total_out + GREATEST(-$2, 0),
			updated_at = NOW()
	`, e.Owner, int64(e.Amount))
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, owner, kind, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Owner, string(e.Kind), int64(e.Amount), nullString(e.Reference), nullString(e.Description), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("record entry: %w", err)
	}

	return tx.Commit()
}

// GetByReference finds the entry posted under a reference for an owner.
func (p *PostgresStore) GetByReference(ctx context.Context, owner, reference string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner, kind, amount, reference, description, created_at
		FROM wallet_entries
		WHERE owner = $1 AND reference = $2
	`, owner, reference)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// History retrieves entries newest-first, optionally after a cursor.
func (p *PostgresStore) History(ctx context.Context, owner string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, owner, kind, amount, reference, description, created_at
			FROM wallet_entries
			WHERE owner = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, owner, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, owner, kind, amount, reference, description, created_at
			FROM wallet_entries
			WHERE owner = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, owner, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumEntries replays the ledger for an owner.
func (p *PostgresStore) SumEntries(ctx context.Context, owner string) (money.Kobo, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_entries WHERE owner = $1
	`, owner).Scan(&sum)
	return money.Kobo(sum), err
}

// SetBalance overwrites the cached available balance (reconcile repair).
func (p *PostgresStore) SetBalance(ctx context.Context, owner string, available money.Kobo) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_balances (owner, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner) DO UPDATE SET
			available = $2, updated_at = NOW()
	`, owner, int64(available))
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		kind        string
		amount      int64
		reference   sql.NullString
		description sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Owner, &kind, &amount, &reference, &description, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Amount = money.Kobo(amount)
	e.Reference = reference.String
	e.Description = description.String
	return e, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23514"
	}
	return false
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
