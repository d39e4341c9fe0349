package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/ledger"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/pending"
	"github.com/congo-pay/transferd/internal/twophase"
	"github.com/congo-pay/transferd/internal/wallet"
)

const (
	// OpWithdrawal is the OTP operation type of a card withdrawal.
	OpWithdrawal = "WITHDRAWAL"

	// StatusApproved marks an operation accepted by the acquirer.
	StatusApproved = "approved"
	// StatusCompleted marks a wallet movement that has been applied.
	StatusCompleted = "completed"

	kindCardOutReversal = "card_out_reversal"
)

var (
	// ErrInvalidCard rejects malformed card numbers.
	ErrInvalidCard = errors.New("card number must be 12 to 19 digits")
	// ErrNotOwner indicates the caller does not own the wallet.
	ErrNotOwner = errors.New("not owner of wallet")
)

// Service coordinates card funding and OTP-confirmed withdrawals.
type Service struct {
	ledger      *ledger.Ledger
	wallets     wallet.Repository
	acquirer    Acquirer
	coordinator *twophase.Coordinator
	notifier    notification.Notifier
	policy      ledger.RetryPolicy
	limit       decimal.Decimal
	sealer      *CardSealer
	clock       clock.Clock
	logger      *slog.Logger
}

// Options carries the collaborators of a Service.
type Options struct {
	Ledger      *ledger.Ledger
	Wallets     wallet.Repository
	Acquirer    Acquirer
	Coordinator *twophase.Coordinator
	Notifier    notification.Notifier
	RetryPolicy ledger.RetryPolicy
	Limit       decimal.Decimal
	// CardSecret keys the encryption of card numbers in pending withdrawals.
	CardSecret string
	Clock      clock.Clock
	Logger     *slog.Logger
}

// NewService prepares a funding service.
func NewService(opts Options) (*Service, error) {
	if opts.Ledger == nil || opts.Wallets == nil {
		return nil, fmt.Errorf("ledger and wallet repository are required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("two-phase coordinator is required")
	}
	if opts.Acquirer == nil {
		opts.Acquirer = StaticAcquirer{}
	}
	sealer, err := NewCardSealer(opts.CardSecret)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Service{
		ledger:      opts.Ledger,
		wallets:     opts.Wallets,
		acquirer:    opts.Acquirer,
		coordinator: opts.Coordinator,
		notifier:    opts.Notifier,
		policy:      opts.RetryPolicy,
		limit:       opts.Limit,
		sealer:      sealer,
		clock:       opts.Clock,
		logger:      logging.Component(opts.Logger, "funding"),
	}, nil
}

// CardInInput captures the required data for a card top-up.
type CardInInput struct {
	Owner      string
	WalletID   string
	Amount     decimal.Decimal
	CardNumber string
	Expiry     string
	CVV        string
}

// WithdrawalInput captures the required data for a card withdrawal.
type WithdrawalInput struct {
	Owner      string
	Amount     decimal.Decimal
	CardNumber string
}

type stagedWithdrawal struct {
	WalletID   string          `json:"wallet_id"`
	Amount     decimal.Decimal `json:"amount"`
	CardMasked string          `json:"card_masked"`
	CardSealed string          `json:"card_sealed"`
}

// FundingResult represents the domain outcome of a card operation.
type FundingResult struct {
	TransactionID     string
	Status            string
	WalletBalance     decimal.Decimal
	AcquirerReference string
	CompletedAt       time.Time
}

// CardIn authorizes and records a card top-up into the owner's wallet.
func (s *Service) CardIn(ctx context.Context, input CardInInput) (FundingResult, error) {
	card, err := normalizeCard(input.CardNumber)
	if err != nil {
		return FundingResult{}, err
	}
	if err := ledger.ValidateAmount(input.Amount); err != nil {
		return FundingResult{}, err
	}
	w, err := s.wallets.Get(ctx, input.WalletID)
	if err != nil {
		return FundingResult{}, err
	}
	if input.Owner != "" && !strings.EqualFold(w.OwnerID, input.Owner) {
		return FundingResult{}, ErrNotOwner
	}

	decision, err := s.acquirer.AuthorizeCardIn(ctx, CardInAuthorization{
		CardNumber: card,
		Expiry:     input.Expiry,
		CVV:        input.CVV,
		Amount:     input.Amount,
		Currency:   w.Currency,
	})
	if err != nil {
		return FundingResult{}, err
	}

	movement, err := ledger.Retry(ctx, s.policy, func(ctx context.Context) (ledger.Movement, error) {
		return s.ledger.Credit(ctx, w.ID, input.Amount, ledger.Meta{Kind: ledger.KindCardIn, Reference: decision.Reference})
	})
	if err != nil {
		return FundingResult{}, err
	}
	return FundingResult{
		TransactionID:     movement.TransactionID,
		Status:            StatusCompleted,
		WalletBalance:     movement.Balance,
		AcquirerReference: decision.Reference,
		CompletedAt:       s.clock.Now(),
	}, nil
}

// InitiateWithdrawal validates a withdrawal and sends a confirmation code.
func (s *Service) InitiateWithdrawal(ctx context.Context, input WithdrawalInput) (twophase.Ticket, error) {
	card, err := normalizeCard(input.CardNumber)
	if err != nil {
		return twophase.Ticket{}, err
	}
	if err := ledger.ValidateAmount(input.Amount); err != nil {
		return twophase.Ticket{}, err
	}
	if s.limit.IsPositive() && input.Amount.GreaterThan(s.limit) {
		return twophase.Ticket{}, payments.ErrLimitExceeded
	}
	w, err := s.wallets.GetByOwner(ctx, input.Owner)
	if err != nil {
		return twophase.Ticket{}, err
	}
	if w.Status != wallet.StatusActive {
		return twophase.Ticket{}, ledger.ErrWalletInactive
	}
	if input.Amount.GreaterThan(w.Balance) {
		return twophase.Ticket{}, ledger.ErrInsufficientFunds
	}
	sealed, err := s.sealer.Seal(card, w.ID)
	if err != nil {
		return twophase.Ticket{}, fmt.Errorf("seal card: %w", err)
	}
	return s.coordinator.Initiate(ctx, input.Owner, OpWithdrawal, stagedWithdrawal{
		WalletID:   w.ID,
		Amount:     input.Amount,
		CardMasked: maskCard(card),
		CardSealed: sealed,
	})
}

// ConfirmWithdrawal verifies code, debits the wallet and pushes the funds to
// the card. A declined payout is reversed with a compensating credit.
func (s *Service) ConfirmWithdrawal(ctx context.Context, token, requester, code string) (FundingResult, error) {
	var result FundingResult
	err := s.coordinator.VerifyAndExecute(ctx, token, OpWithdrawal, requester, code, func(ctx context.Context, op pending.Operation) error {
		var staged stagedWithdrawal
		if err := op.Decode(&staged); err != nil {
			return err
		}
		res, err := s.withdraw(ctx, staged)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return FundingResult{}, err
	}

	notification.Emit(ctx, s.notifier, s.logger, notification.Event{
		Name:        notification.EventWithdrawalCompleted,
		Destination: requester,
		Payload: map[string]string{
			"transaction_id":     result.TransactionID,
			"acquirer_reference": result.AcquirerReference,
			"balance":            result.WalletBalance.StringFixed(2),
		},
	})
	return result, nil
}

func (s *Service) withdraw(ctx context.Context, staged stagedWithdrawal) (FundingResult, error) {
	card, err := s.sealer.Open(staged.CardSealed, staged.WalletID)
	if err != nil {
		return FundingResult{}, err
	}
	movement, err := ledger.Retry(ctx, s.policy, func(ctx context.Context) (ledger.Movement, error) {
		return s.ledger.Debit(ctx, staged.WalletID, staged.Amount, ledger.Meta{Kind: ledger.KindCardOut, Reference: staged.CardMasked})
	})
	if err != nil {
		return FundingResult{}, err
	}

	decision, err := s.acquirer.AuthorizeCardOut(ctx, CardOutAuthorization{
		CardNumber: card,
		Amount:     staged.Amount,
		Reference:  movement.TransactionID,
	})
	if err == nil && decision.Status != StatusApproved {
		err = ErrDeclined
	}
	if err != nil {
		_, revErr := ledger.Retry(ctx, s.policy, func(ctx context.Context) (ledger.Movement, error) {
			return s.ledger.Credit(ctx, staged.WalletID, staged.Amount, ledger.Meta{Kind: kindCardOutReversal, Reference: movement.TransactionID})
		})
		if revErr != nil {
			s.logger.Error("withdrawal reversal failed",
				slog.String("transaction_id", movement.TransactionID),
				slog.Any("error", revErr),
			)
			return FundingResult{}, errors.Join(err, revErr)
		}
		return FundingResult{}, err
	}

	return FundingResult{
		TransactionID:     movement.TransactionID,
		Status:            StatusCompleted,
		WalletBalance:     movement.Balance,
		AcquirerReference: decision.Reference,
		CompletedAt:       s.clock.Now(),
	}, nil
}

func normalizeCard(card string) (string, error) {
	digits := strings.ReplaceAll(strings.TrimSpace(card), " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		return "", ErrInvalidCard
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidCard
		}
	}
	return digits, nil
}

func maskCard(card string) string {
	if len(card) <= 4 {
		return card
	}
	return strings.Repeat("*", len(card)-4) + card[len(card)-4:]
}
