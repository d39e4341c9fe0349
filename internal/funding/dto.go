package funding

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardInRequest captures user-provided data to fund a wallet from a card.
type CardInRequest struct {
	CardNumber string          `json:"card_number"`
	Expiry     string          `json:"expiry"`
	CVV        string          `json:"cvv"`
	Amount     decimal.Decimal `json:"amount"`
}

// WithdrawalRequest captures withdrawal details to push funds to a card.
type WithdrawalRequest struct {
	CardNumber string          `json:"card_number"`
	Amount     decimal.Decimal `json:"amount"`
}

// ConfirmRequest carries the token and code of a staged withdrawal.
type ConfirmRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// FundingResponse represents the API response for card funding actions.
type FundingResponse struct {
	TransactionID     string          `json:"transaction_id"`
	Status            string          `json:"status"`
	WalletBalance     decimal.Decimal `json:"wallet_balance"`
	AcquirerReference string          `json:"acquirer_reference"`
	CompletedAt       time.Time       `json:"completed_at"`
}
