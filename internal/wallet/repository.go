package wallet

import "context"

// Repository persists wallets. ApplyPosting is the only write path for
// balances and versions.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	GetByOwner(ctx context.Context, ownerID string) (Wallet, error)
	// ApplyPosting writes every update conditioned on its expected version and
	// increments each version by one. If any wallet moved on, nothing is
	// written and ErrVersionConflict is returned.
	ApplyPosting(ctx context.Context, posting Posting) error
	Entries(ctx context.Context, walletID string, limit int) ([]Entry, error)
}
