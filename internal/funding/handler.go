package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transferd/internal/payments"
)

// Handler exposes HTTP endpoints for card funding flows.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CardIn processes wallet top-ups funded by cards.
func (h *Handler) CardIn(c *fiber.Ctx) error {
	var req CardInRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	result, err := h.service.CardIn(c.UserContext(), CardInInput{
		Owner:      uid,
		WalletID:   c.Params("walletId"),
		Amount:     req.Amount,
		CardNumber: req.CardNumber,
		Expiry:     req.Expiry,
		CVV:        req.CVV,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

// InitiateWithdrawal validates a withdrawal and sends a confirmation code.
func (h *Handler) InitiateWithdrawal(c *fiber.Ctx) error {
	var req WithdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	ticket, err := h.service.InitiateWithdrawal(c.UserContext(), WithdrawalInput{
		Owner:      uid,
		Amount:     req.Amount,
		CardNumber: req.CardNumber,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusAccepted).JSON(ticket)
}

// ConfirmWithdrawal verifies the code and executes the withdrawal.
func (h *Handler) ConfirmWithdrawal(c *fiber.Ctx) error {
	var req ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	result, err := h.service.ConfirmWithdrawal(c.UserContext(), req.Token, uid, req.Code)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidCard):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotOwner):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrDeclined):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	default:
		return payments.HTTPError(err)
	}
}

func toResponse(result FundingResult) FundingResponse {
	return FundingResponse{
		TransactionID:     result.TransactionID,
		Status:            result.Status,
		WalletBalance:     result.WalletBalance,
		AcquirerReference: result.AcquirerReference,
		CompletedAt:       result.CompletedAt,
	}
}
