// Package wallet tracks account balances on the platform.
//
// Flow:
//  1. Gateway captures a guest's card payment → escrow holds the amount
//  2. Guest confirms → host wallet credited (transfer_in)
//  3. Request expires and guest asks for a refund → guest wallet credited (transfer_out)
//  4. Accounts may also deposit, withdraw, and pay directly
//
// Every movement is an append-only ledger entry with a signed kobo
// amount; the cached balance is always reconcilable by replaying the
// entries.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayodele/kobohold/internal/idgen"
	"github.com/ayodele/kobohold/internal/money"
	"github.com/ayodele/kobohold/internal/pagination"
	"github.com/ayodele/kobohold/internal/validation"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("reference already used with a different amount or kind")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDeposit     Kind = "deposit"
	KindWithdrawal  Kind = "withdrawal"
	KindPayment     Kind = "payment"
	KindTransferIn  Kind = "transfer_in"
	KindTransferOut Kind = "transfer_out"
)

// ValidKind reports whether k is one of the defined entry kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindPayment, KindTransferIn, KindTransferOut:
		return true
	}
	return false
}

// Entry is one row of the append-only ledger. Amount is signed kobo:
// credits positive, debits negative.
type Entry struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Kind        Kind       `json:"kind"`
	Amount      money.Kobo `json:"amount"`
	Reference   string     `json:"reference,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Balance is the cached per-account position derived from the ledger.
type Balance struct {
	Owner     string     `json:"owner"`
	Available money.Kobo `json:"available"`
	TotalIn   money.Kobo `json:"totalIn"`
	TotalOut  money.Kobo `json:"totalOut"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// ReconcileReport describes the outcome of replaying an account's ledger
// against its cached balance.
type ReconcileReport struct {
	Owner    string     `json:"owner"`
	Cached   money.Kobo `json:"cached"`
	Derived  money.Kobo `json:"derived"`
	Drift    money.Kobo `json:"drift"`
	Repaired bool       `json:"repaired"`
}

// Store persists ledger data.
//
// Post must apply the entry and the balance adjustment atomically and
// return ErrInsufficientBalance when a debit would take the balance
// negative.
type Store interface {
	GetBalance(ctx context.Context, owner string) (*Balance, error)
	Post(ctx context.Context, entry *Entry) error
	GetByReference(ctx context.Context, owner, reference string) (*Entry, error)
	History(ctx context.Context, owner string, cursor *pagination.Cursor, limit int) ([]*Entry, error)
	SumEntries(ctx context.Context, owner string) (money.Kobo, error)
	SetBalance(ctx context.Context, owner string, available money.Kobo) error
}

// Notifier receives posting events (webhooks, realtime). Delivery
// failures never affect the posting.
type Notifier interface {
	NotifyWallet(ctx context.Context, event string, e *Entry)
}

// Ledger manages account balances.
type Ledger struct {
	store    Store
	notifier Notifier
}

// New creates a new wallet ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// WithNotifier adds a posting event notifier.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	l.notifier = n
	return l
}

// Credit appends a positive entry to an account's ledger.
//
// Idempotent on reference: a duplicate with the same amount and kind is
// a no-op returning the original entry; a duplicate with different
// amount or kind fails with ErrDuplicateReference.
func (l *Ledger) Credit(ctx context.Context, owner string, amount money.Kobo, kind Kind, reference string) (*Entry, error) {
	defer observeOp("credit")()
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.post(ctx, owner, amount, kind, reference)
}

// Debit appends a negative entry to an account's ledger. Fails with
// ErrInsufficientBalance if the balance would go negative. Same
// idempotency rule as Credit.
func (l *Ledger) Debit(ctx context.Context, owner string, amount money.Kobo, kind Kind, reference string) (*Entry, error) {
	defer observeOp("debit")()
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.post(ctx, owner, -amount, kind, reference)
}

// post appends a signed entry. The sign of amount is already resolved
// by the caller: positive credits, negative debits.
func (l *Ledger) post(ctx context.Context, owner string, amount money.Kobo, kind Kind, reference string) (*Entry, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, kind)
	}
	owner = validation.SanitizeEmail(owner)

	if reference != "" {
		existing, err := l.store.GetByReference(ctx, owner, reference)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		if existing != nil {
			return resolveDuplicate(existing, amount, kind)
		}
	}

	entry := &Entry{
		ID:        idgen.WithPrefix("txn_"),
		Owner:     owner,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	}

	if err := l.store.Post(ctx, entry); err != nil {
		// Lost a race with a concurrent post for the same reference:
		// re-read and apply the same idempotency comparison.
		if errors.Is(err, ErrDuplicateReference) && reference != "" {
			existing, getErr := l.store.GetByReference(ctx, owner, reference)
			if getErr == nil {
				return resolveDuplicate(existing, amount, kind)
			}
		}
		return nil, err
	}

	if l.notifier != nil {
		event := "wallet.credited"
		if amount < 0 {
			event = "wallet.debited"
		}
		cp := *entry
		l.notifier.NotifyWallet(ctx, event, &cp)
	}

	return entry, nil
}

func resolveDuplicate(existing *Entry, amount money.Kobo, kind Kind) (*Entry, error) {
	if existing.Amount == amount && existing.Kind == kind {
		return existing, nil // retried call, nothing to apply
	}
	return nil, ErrDuplicateReference
}

// Balance returns an account's cached balance. Unknown accounts report
// a zero balance rather than an error.
func (l *Ledger) Balance(ctx context.Context, owner string) (*Balance, error) {
	return l.store.GetBalance(ctx, validation.SanitizeEmail(owner))
}

// History returns ledger entries for an account, newest first, with
// cursor pagination.
func (l *Ledger) History(ctx context.Context, owner, cursor string, limit int) ([]*Entry, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	// Fetch one extra row to detect whether another page exists.
	entries, err := l.store.History(ctx, validation.SanitizeEmail(owner), cur, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, hasMore, nil
}

// Reconcile replays an account's entries and compares the derived sum
// against the cached balance. Drift is repaired by resetting the cached
// value to the derived one.
func (l *Ledger) Reconcile(ctx context.Context, owner string) (*ReconcileReport, error) {
	defer observeOp("reconcile")()

	owner = validation.SanitizeEmail(owner)

	bal, err := l.store.GetBalance(ctx, owner)
	if err != nil {
		return nil, err
	}
	derived, err := l.store.SumEntries(ctx, owner)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		Owner:   owner,
		Cached:  bal.Available,
		Derived: derived,
		Drift:   bal.Available - derived,
	}
	if report.Drift != 0 {
		if err := l.store.SetBalance(ctx, owner, derived); err != nil {
			return report, fmt.Errorf("repair drifted balance: %w", err)
		}
		report.Repaired = true
		WalletDriftRepairsTotal.Inc()
	}
	return report, nil
}

// CanDebit checks whether an account can cover a debit of amount.
func (l *Ledger) CanDebit(ctx context.Context, owner string, amount money.Kobo) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	bal, err := l.store.GetBalance(ctx, validation.SanitizeEmail(owner))
	if err != nil {
		return false, err
	}
	return bal.Available >= amount, nil
}
