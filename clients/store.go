package clients

import "context"

// Store persists clients. Implementations live next to the points stores so
// both share one database.
type Store interface {
	// Get returns ErrClientNotFound when id is unknown.
	Get(ctx context.Context, id ID) (Client, error)

	// GetByReferralCode returns ErrClientNotFound when no client has code.
	GetByReferralCode(ctx context.Context, code string) (Client, error)

	// Insert returns ErrReferralCodeTaken when the code is already used.
	Insert(ctx context.Context, c Client) error

	Update(ctx context.Context, c Client) error

	// Children returns the clients whose referrer is id, oldest first.
	Children(ctx context.Context, id ID) ([]Client, error)
}

type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}
