package wallet

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Currency string `json:"currency"`
}

// Create provisions a wallet for the authenticated owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	owner, err := requester(c)
	if err != nil {
		return err
	}
	var req createRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	wallet, err := h.service.Create(c.UserContext(), CreateInput{OwnerID: owner, Currency: req.Currency})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(wallet)
}

// Me returns the wallet of the authenticated owner.
func (h *Handler) Me(c *fiber.Ctx) error {
	owner, err := requester(c)
	if err != nil {
		return err
	}
	wallet, err := h.service.GetByOwner(c.UserContext(), owner)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(wallet)
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	wallet, err := h.owned(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), wallet.ID)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(balance)
}

// Entries returns the wallet journal, newest first.
func (h *Handler) Entries(c *fiber.Ctx) error {
	wallet, err := h.owned(c)
	if err != nil {
		return err
	}
	entries, err := h.service.Entries(c.UserContext(), wallet.ID, c.QueryInt("limit", 50))
	if err != nil {
		return mapError(err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallet_id": wallet.ID, "entries": entries})
}

func (h *Handler) owned(c *fiber.Ctx) (Wallet, error) {
	owner, err := requester(c)
	if err != nil {
		return Wallet{}, err
	}
	wallet, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return Wallet{}, mapError(err)
	}
	if !strings.EqualFold(wallet.OwnerID, owner) {
		// Do not reveal other owners' wallets.
		return Wallet{}, fiber.NewError(http.StatusNotFound, ErrNotFound.Error())
	}
	return wallet, nil
}

func requester(c *fiber.Ctx) (string, error) {
	owner, _ := c.Locals("user_id").(string)
	if owner == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "missing user context")
	}
	return owner, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidOwner), errors.Is(err, ErrInvalidCurrency):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
