package domain

import "context"

// LockMode selects the row lock taken by Transaction.LockIdentity. Backends
// that serialize whole transactions may treat every mode alike.
type LockMode int

// Lock modes.
const (
	// LockShared blocks concurrent exclusive locks but not other shared locks.
	LockShared LockMode = iota + 1
	// LockExclusive blocks every other lock on the row.
	LockExclusive
)

// TransactionView provides read access to committed state, or to the state
// of the enclosing transaction when obtained from one. Lookups of a single
// record fail with ErrNotFound when the record does not exist.
type TransactionView interface {
	// FindIdentity returns an identity in any lifecycle state.
	FindIdentity(id string) (Identity, error)
	// FindIdentityByCode matches the code exactly. Retired identities are returned too.
	FindIdentityByCode(code string) (Identity, error)
	// FindTag loads the tag row for an identity from the category's table.
	FindTag(identityID string, category Category) (Tag, error)
	// ListChildren returns the active identities whose parent is parent, ordered by code.
	ListChildren(parent ParentRef) ([]Identity, error)
	// ListHistory returns a newest-first page of history.
	ListHistory(q HistoryQuery) ([]HistoryEntry, error)
}

// Transaction exposes the writes a persistence implementation must support
// within an atomic scope. Every write is recorded as a Change and evaluated by
// the store's rules engine before commit.
type Transaction interface {
	TransactionView
	// NextCodeSuffix draws the next value of the code sequence. No two
	// committed transactions ever observe the same value.
	NextCodeSuffix() (int64, error)
	// LockIdentity loads an identity and locks its row until the transaction ends.
	LockIdentity(id string, mode LockMode) (Identity, error)
	// LockTag loads a tag and locks its row exclusively.
	LockTag(identityID string, category Category) (Tag, error)
	// CreateIdentity inserts an identity together with its tag row.
	CreateIdentity(identity Identity, tag Tag) (Identity, error)
	// UpdateIdentity applies mutator to a copy of the identity and persists it.
	UpdateIdentity(id string, mutator func(*Identity) error) (Identity, error)
	// UpdateTag replaces the tag of an identity with the mutator's result.
	UpdateTag(identityID string, category Category, mutator func(Tag) (Tag, error)) (Tag, error)
	// AppendHistory inserts an entry and returns it with Seq assigned.
	AppendHistory(entry HistoryEntry) (HistoryEntry, error)
}

// PersistentStore is the abstraction over durable backends used by the engine.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Ping(ctx context.Context) error
	Close() error
}
