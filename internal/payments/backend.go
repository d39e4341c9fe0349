package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/ledger"
	"github.com/congo-pay/transferd/internal/wallet"
)

var (
	// ErrLimitExceeded rejects amounts above the configured per-transfer limit.
	ErrLimitExceeded = errors.New("amount exceeds transfer limit")
	// ErrSelfTransfer rejects transfers whose sender and receiver coincide.
	ErrSelfTransfer = errors.New("cannot transfer to yourself")
)

// Result is the outcome of a money movement between two identities.
type Result struct {
	TransactionID   string          `json:"transaction_id"`
	Sender          string          `json:"sender"`
	Receiver        string          `json:"receiver"`
	Amount          decimal.Decimal `json:"amount"`
	SenderBalance   decimal.Decimal `json:"sender_balance"`
	ReceiverBalance decimal.Decimal `json:"receiver_balance"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// Backend moves money between the wallets of two identities. Implementations
// are atomic: either both wallets change or neither does.
type Backend interface {
	Execute(ctx context.Context, sender, receiver string, amount decimal.Decimal, description string) (Result, error)
}

// LedgerBackend executes transfers through the wallet ledger, retrying
// version conflicts from a fresh read.
type LedgerBackend struct {
	ledger  *ledger.Ledger
	wallets wallet.Repository
	policy  ledger.RetryPolicy
	clock   clock.Clock
}

// NewLedgerBackend builds a LedgerBackend.
func NewLedgerBackend(l *ledger.Ledger, wallets wallet.Repository, policy ledger.RetryPolicy, c clock.Clock) *LedgerBackend {
	if c == nil {
		c = clock.Real()
	}
	return &LedgerBackend{ledger: l, wallets: wallets, policy: policy, clock: c}
}

// Execute resolves both wallets by owner and transfers amount.
func (b *LedgerBackend) Execute(ctx context.Context, sender, receiver string, amount decimal.Decimal, description string) (Result, error) {
	res, err := ledger.Retry(ctx, b.policy, func(ctx context.Context) (ledger.TransactionResult, error) {
		from, err := b.wallets.GetByOwner(ctx, sender)
		if err != nil {
			return ledger.TransactionResult{}, err
		}
		to, err := b.wallets.GetByOwner(ctx, receiver)
		if err != nil {
			return ledger.TransactionResult{}, err
		}
		return b.ledger.Transfer(ctx, from.ID, to.ID, amount, ledger.Meta{
			Kind:        ledger.KindTransfer,
			Description: description,
		})
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		TransactionID:   res.TransactionID,
		Sender:          sender,
		Receiver:        receiver,
		Amount:          amount,
		SenderBalance:   res.FromBalance,
		ReceiverBalance: res.ToBalance,
		CompletedAt:     b.clock.Now(),
	}, nil
}

// IsBusinessRejection reports whether err is a permanent refusal that no
// amount of retrying will change. Conflicts that outlived the retry budget
// and infrastructure errors are not business rejections.
func IsBusinessRejection(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameWallet),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrWalletInactive),
		errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, ErrLimitExceeded),
		errors.Is(err, ErrSelfTransfer):
		return true
	default:
		return false
	}
}
