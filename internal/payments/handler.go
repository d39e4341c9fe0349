package payments

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/ledger"
	"github.com/congo-pay/transferd/internal/twophase"
	"github.com/congo-pay/transferd/internal/wallet"
)

// Handler exposes transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type initiateRequest struct {
	Receiver    string          `json:"receiver"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type confirmRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// Initiate validates a transfer and sends a confirmation code.
func (h *Handler) Initiate(c *fiber.Ctx) error {
	var req initiateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	ticket, err := h.service.InitiateTransfer(c.UserContext(), TransferInput{
		Sender:      uid,
		Receiver:    req.Receiver,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.Status(http.StatusAccepted).JSON(ticket)
}

// Confirm verifies the code and executes the transfer.
func (h *Handler) Confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	res, err := h.service.ConfirmTransfer(c.UserContext(), req.Token, uid, req.Code)
	if err != nil {
		return HTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// HTTPError maps money-movement failures to HTTP errors.
func HTTPError(err error) error {
	if status, ok := twophase.StatusFor(err); ok {
		return fiber.NewError(status, err.Error())
	}
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return fiber.NewError(http.StatusConflict, "concurrent update, please retry")
	case errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ErrLimitExceeded):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case IsBusinessRejection(err):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
