package wallet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/clock"
)

// Service exposes wallet provisioning and read operations. Balances are
// changed only by the ledger.
type Service struct {
	repo  Repository
	clock clock.Clock
}

// NewService builds a wallet service instance.
func NewService(repo Repository, c clock.Clock) *Service {
	if c == nil {
		c = clock.Real()
	}
	return &Service{repo: repo, clock: c}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	OwnerID  string
	Currency string
}

// Balance is a point-in-time view of a wallet's funds.
type Balance struct {
	WalletID string          `json:"wallet_id"`
	Amount   decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Version  int64           `json:"version"`
	AsOf     time.Time       `json:"timestamp"`
}

// Create provisions an empty wallet for the owner.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return Wallet{}, ErrInvalidOwner
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return Wallet{}, ErrInvalidCurrency
	}

	now := s.clock.Now()
	wallet := Wallet{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Balance:   decimal.Zero,
		Currency:  currency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// Get retrieves a wallet.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// GetByOwner retrieves the wallet held by ownerID.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	return s.repo.GetByOwner(ctx, ownerID)
}

// Balance returns the current balance of the wallet.
func (s *Service) Balance(ctx context.Context, id string) (Balance, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{WalletID: w.ID, Amount: w.Balance, Currency: w.Currency, Version: w.Version, AsOf: s.clock.Now()}, nil
}

// Entries lists recent journal lines for the wallet.
func (s *Service) Entries(ctx context.Context, id string, limit int) ([]Entry, error) {
	return s.repo.Entries(ctx, id, limit)
}
