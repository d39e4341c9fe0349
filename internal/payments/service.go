package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/ledger"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/pending"
	"github.com/congo-pay/transferd/internal/twophase"
	"github.com/congo-pay/transferd/internal/wallet"
)

// OpTransfer is the OTP operation type of an interactive transfer.
const OpTransfer = "TRANSFER"

// TransferInput captures the data needed to move funds between identities.
type TransferInput struct {
	Sender      string
	Receiver    string
	Amount      decimal.Decimal
	Description string
}

type stagedTransfer struct {
	Receiver    string          `json:"receiver"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Service runs OTP-confirmed P2P transfers.
type Service struct {
	coordinator *twophase.Coordinator
	backend     Backend
	wallets     wallet.Repository
	notifier    notification.Notifier
	limit       decimal.Decimal
	logger      *slog.Logger
}

// NewService constructs a payment service. A zero limit disables the limit check.
func NewService(coordinator *twophase.Coordinator, backend Backend, wallets wallet.Repository, notifier notification.Notifier, limit decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{
		coordinator: coordinator,
		backend:     backend,
		wallets:     wallets,
		notifier:    notifier,
		limit:       limit,
		logger:      logging.Component(logger, "payments"),
	}
}

// Validate runs the business checks of a transfer without touching balances.
// requireFunds adds the balance sufficiency check against the current balance.
func (s *Service) Validate(ctx context.Context, in TransferInput, requireFunds bool) error {
	if err := ledger.ValidateAmount(in.Amount); err != nil {
		return err
	}
	if s.limit.IsPositive() && in.Amount.GreaterThan(s.limit) {
		return ErrLimitExceeded
	}
	if strings.EqualFold(strings.TrimSpace(in.Sender), strings.TrimSpace(in.Receiver)) {
		return ErrSelfTransfer
	}
	from, err := s.wallets.GetByOwner(ctx, in.Sender)
	if err != nil {
		return fmt.Errorf("sender wallet: %w", err)
	}
	to, err := s.wallets.GetByOwner(ctx, in.Receiver)
	if err != nil {
		return fmt.Errorf("recipient wallet: %w", err)
	}
	if from.Status != wallet.StatusActive || to.Status != wallet.StatusActive {
		return ledger.ErrWalletInactive
	}
	if from.Currency != to.Currency {
		return ledger.ErrCurrencyMismatch
	}
	if requireFunds && in.Amount.GreaterThan(from.Balance) {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

// InitiateTransfer validates the transfer, stages it and sends a code to the sender.
func (s *Service) InitiateTransfer(ctx context.Context, in TransferInput) (twophase.Ticket, error) {
	if err := s.Validate(ctx, in, true); err != nil {
		return twophase.Ticket{}, err
	}
	return s.coordinator.Initiate(ctx, in.Sender, OpTransfer, stagedTransfer{
		Receiver:    strings.TrimSpace(in.Receiver),
		Amount:      in.Amount,
		Description: in.Description,
	})
}

// ConfirmTransfer verifies code and executes the staged transfer once.
func (s *Service) ConfirmTransfer(ctx context.Context, token, requester, code string) (Result, error) {
	var result Result
	err := s.coordinator.VerifyAndExecute(ctx, token, OpTransfer, requester, code, func(ctx context.Context, op pending.Operation) error {
		var staged stagedTransfer
		if err := op.Decode(&staged); err != nil {
			return err
		}
		res, err := s.backend.Execute(ctx, op.Identity, staged.Receiver, staged.Amount, staged.Description)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("transfer completed",
		slog.String("transaction_id", result.TransactionID),
		slog.String("amount", result.Amount.StringFixed(2)),
	)
	payload := map[string]string{
		"transaction_id": result.TransactionID,
		"sender":         result.Sender,
		"receiver":       result.Receiver,
		"amount":         result.Amount.StringFixed(2),
	}
	for _, dest := range []string{result.Sender, result.Receiver} {
		notification.Emit(ctx, s.notifier, s.logger, notification.Event{
			Name:        notification.EventTransferCompleted,
			Destination: dest,
			Payload:     payload,
		})
	}
	return result, nil
}
