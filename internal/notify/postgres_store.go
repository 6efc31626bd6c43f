package notify

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists webhook subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notify_subscriptions (
			id           VARCHAR(64) PRIMARY KEY,
			account      VARCHAR(254) NOT NULL,
			url          TEXT NOT NULL,
			secret       VARCHAR(64) NOT NULL,
			events       JSONB NOT NULL,
			active       BOOLEAN DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL,
			last_success TIMESTAMPTZ,
			last_error   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_notify_account ON notify_subscriptions(account);
	`)
	return err
}

const subColumns = `id, account, url, secret, events, active, created_at, last_success, last_error`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notify_subscriptions (id, account, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.Account, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM notify_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) GetByAccount(ctx context.Context, account string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+`
		FROM notify_subscriptions
		WHERE account = $1
		ORDER BY created_at DESC`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notify_subscriptions SET
			active = $1, last_success = $2, last_error = $3
		WHERE id = $4`,
		sub.Active, sub.LastSuccess, nullString(sub.LastError), sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM notify_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		eventsJSON  []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)

	err := s.Scan(
		&sub.ID, &sub.Account, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String

	return sub, nil
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
