/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the boundary between the state machine and the database. The
  service never talks to a driver directly; SQLite, Postgres and the
  in-memory store all implement these interfaces.

WRITE CONTRACT:
  - InsertEntry(): new rows only
  - UpdateEntry(): compare-and-swap on the previous status. If the row is no
    longer in `expected`, nothing is written and ErrConcurrentModification
    is returned. This is what makes "a pending entry is decided exactly
    once" hold even when two admins click at the same time.
  - There is no Delete. Withdrawn requests stay as CANCELLED.

LOCKING:
  LockClient serializes ledger decisions per client for the rest of the
  enclosing transaction and reports whether the client exists. Stores that
  lock coarsely (memory, sqlite) may treat it as an existence check.

IMPLEMENTATIONS:
  - store/memory:   In-memory, for tests
  - store/sqlite:   database/sql + go-sqlite3, the default
  - store/postgres: gorm + row locks
*/
package points

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetEntry returns a *NotFoundError when the entry does not exist.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	InsertEntry(ctx context.Context, e Entry) error

	// UpdateEntry persists e if the stored row is still in status expected.
	UpdateEntry(ctx context.Context, e Entry, expected Status) error

	// EntriesByClient returns the client's entries ordered by CreatedAt.
	EntriesByClient(ctx context.Context, clientID ClientID) ([]Entry, error)

	// LockClient reports whether the client exists and holds its lock for the
	// rest of the transaction.
	LockClient(ctx context.Context, clientID ClientID) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
