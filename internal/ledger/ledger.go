// Package ledger is the only writer of wallet balances. Every mutation reads
// the wallet, computes the new balance and writes it conditioned on the
// version it read.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/wallet"
)

var (
	// ErrInsufficientFunds occurs when the source wallet cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict indicates the wallet changed between read and write. Retry
	// from a fresh read.
	ErrConflict = wallet.ErrVersionConflict
	// ErrInvalidAmount rejects non-positive amounts and sub-cent precision.
	ErrInvalidAmount = errors.New("amount must be positive with at most two decimals")
	// ErrSameWallet rejects a transfer whose source and destination coincide.
	ErrSameWallet = errors.New("source and destination wallet are the same")
	// ErrCurrencyMismatch rejects a transfer between wallets of different currencies.
	ErrCurrencyMismatch = errors.New("wallet currencies differ")
	// ErrWalletInactive rejects movements on wallets that are not active.
	ErrWalletInactive = errors.New("wallet is not active")
)

const (
	// KindTransfer is a wallet to wallet movement.
	KindTransfer = "transfer"
	// KindCardIn credits a wallet from a card.
	KindCardIn = "card_in"
	// KindCardOut debits a wallet towards a card.
	KindCardOut = "card_out"
)

// Meta describes a posting in the journal.
type Meta struct {
	Kind        string
	Reference   string
	Description string
}

// Movement is the outcome of a single-wallet debit or credit.
type Movement struct {
	TransactionID string          `json:"transaction_id"`
	WalletID      string          `json:"wallet_id"`
	Balance       decimal.Decimal `json:"balance"`
	Version       int64           `json:"version"`
}

// TransactionResult captures the outcome of a transfer.
type TransactionResult struct {
	TransactionID string          `json:"transaction_id"`
	FromWalletID  string          `json:"from_wallet_id"`
	ToWalletID    string          `json:"to_wallet_id"`
	FromBalance   decimal.Decimal `json:"from_balance"`
	ToBalance     decimal.Decimal `json:"to_balance"`
}

// Ledger performs balance mutations through a wallet repository.
type Ledger struct {
	wallets wallet.Repository
	clock   clock.Clock
}

// New builds a Ledger.
func New(wallets wallet.Repository, c clock.Clock) *Ledger {
	if c == nil {
		c = clock.Real()
	}
	return &Ledger{wallets: wallets, clock: c}
}

// ValidateAmount reports ErrInvalidAmount for amounts the ledger would refuse.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return ErrInvalidAmount
	}
	return nil
}

// Debit removes amount from the wallet.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount decimal.Decimal, meta Meta) (Movement, error) {
	if err := ValidateAmount(amount); err != nil {
		return Movement{}, err
	}
	w, err := l.wallets.Get(ctx, walletID)
	if err != nil {
		return Movement{}, err
	}
	return l.debit(ctx, w, amount, meta)
}

// debit applies the movement to the given snapshot; a stale snapshot yields ErrConflict.
func (l *Ledger) debit(ctx context.Context, w wallet.Wallet, amount decimal.Decimal, meta Meta) (Movement, error) {
	if w.Status != wallet.StatusActive {
		return Movement{}, ErrWalletInactive
	}
	if amount.GreaterThan(w.Balance) {
		return Movement{}, ErrInsufficientFunds
	}
	return l.apply(ctx, w, amount.Neg(), meta)
}

// Credit adds amount to the wallet.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount decimal.Decimal, meta Meta) (Movement, error) {
	if err := ValidateAmount(amount); err != nil {
		return Movement{}, err
	}
	w, err := l.wallets.Get(ctx, walletID)
	if err != nil {
		return Movement{}, err
	}
	if w.Status != wallet.StatusActive {
		return Movement{}, ErrWalletInactive
	}
	return l.apply(ctx, w, amount, meta)
}

func (l *Ledger) apply(ctx context.Context, w wallet.Wallet, delta decimal.Decimal, meta Meta) (Movement, error) {
	newBalance := w.Balance.Add(delta)
	posting := l.posting(meta, wallet.BalanceUpdate{
		WalletID:        w.ID,
		ExpectedVersion: w.Version,
		Amount:          delta,
		NewBalance:      newBalance,
	})
	if err := l.wallets.ApplyPosting(ctx, posting); err != nil {
		return Movement{}, fmt.Errorf("apply %s: %w", meta.Kind, err)
	}
	return Movement{
		TransactionID: posting.ID,
		WalletID:      w.ID,
		Balance:       newBalance,
		Version:       w.Version + 1,
	}, nil
}

// Transfer debits fromID and credits toID atomically.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, meta Meta) (TransactionResult, error) {
	if err := ValidateAmount(amount); err != nil {
		return TransactionResult{}, err
	}
	if fromID == toID {
		return TransactionResult{}, ErrSameWallet
	}
	from, err := l.wallets.Get(ctx, fromID)
	if err != nil {
		return TransactionResult{}, err
	}
	to, err := l.wallets.Get(ctx, toID)
	if err != nil {
		return TransactionResult{}, err
	}
	if from.Status != wallet.StatusActive || to.Status != wallet.StatusActive {
		return TransactionResult{}, ErrWalletInactive
	}
	if from.Currency != to.Currency {
		return TransactionResult{}, ErrCurrencyMismatch
	}
	if amount.GreaterThan(from.Balance) {
		return TransactionResult{}, ErrInsufficientFunds
	}

	if meta.Kind == "" {
		meta.Kind = KindTransfer
	}
	fromBalance := from.Balance.Sub(amount)
	toBalance := to.Balance.Add(amount)
	posting := l.posting(meta,
		wallet.BalanceUpdate{WalletID: from.ID, ExpectedVersion: from.Version, Amount: amount.Neg(), NewBalance: fromBalance},
		wallet.BalanceUpdate{WalletID: to.ID, ExpectedVersion: to.Version, Amount: amount, NewBalance: toBalance},
	)
	if err := l.wallets.ApplyPosting(ctx, posting); err != nil {
		return TransactionResult{}, fmt.Errorf("apply transfer: %w", err)
	}
	return TransactionResult{
		TransactionID: posting.ID,
		FromWalletID:  from.ID,
		ToWalletID:    to.ID,
		FromBalance:   fromBalance,
		ToBalance:     toBalance,
	}, nil
}

func (l *Ledger) posting(meta Meta, updates ...wallet.BalanceUpdate) wallet.Posting {
	return wallet.Posting{
		ID:          uuid.NewString(),
		Kind:        meta.Kind,
		Reference:   meta.Reference,
		Description: meta.Description,
		CreatedAt:   l.clock.Now(),
		Updates:     updates,
	}
}
