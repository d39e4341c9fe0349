package wallet

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// StatusActive marks a wallet that can send and receive funds.
	StatusActive = "active"
	// DefaultCurrency is applied when a wallet is created without one.
	DefaultCurrency = "XAF"
)

var (
	// ErrNotFound indicates the wallet does not exist.
	ErrNotFound = errors.New("wallet not found")
	// ErrAlreadyExists indicates the owner already holds a wallet.
	ErrAlreadyExists = errors.New("wallet already exists")
	// ErrInvalidOwner rejects a wallet without an owner identity.
	ErrInvalidOwner = errors.New("wallet owner is required")
	// ErrInvalidCurrency rejects currency codes that are not three letters.
	ErrInvalidCurrency = errors.New("currency must be a three letter code")
	// ErrVersionConflict indicates a conditioned write lost the race against
	// another mutation of the same wallet.
	ErrVersionConflict = errors.New("wallet version conflict")
)

// Wallet represents a stored value account. Balance and Version change only
// through Repository.ApplyPosting.
type Wallet struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BalanceUpdate is one conditioned write: set the wallet to NewBalance only
// if it is still at ExpectedVersion. Amount is the signed movement recorded
// in the journal.
type BalanceUpdate struct {
	WalletID        string
	ExpectedVersion int64
	Amount          decimal.Decimal
	NewBalance      decimal.Decimal
}

// Posting groups the balance updates of one money movement. All updates are
// applied together or not at all.
type Posting struct {
	ID          string
	Kind        string
	Reference   string
	Description string
	CreatedAt   time.Time
	Updates     []BalanceUpdate
}

// Entry is a journal line written for every applied balance update.
type Entry struct {
	TransactionID string          `json:"transaction_id"`
	WalletID      string          `json:"wallet_id"`
	Kind          string          `json:"kind"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}
