package twophase

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transferd/internal/otp"
)

// Handler exposes the operation-agnostic OTP endpoints.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler constructs a Handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

type resendRequest struct {
	Token string `json:"token"`
}

// Resend re-delivers the confirmation code for a staged operation.
func (h *Handler) Resend(c *fiber.Ctx) error {
	var req resendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Token) == "" {
		return fiber.NewError(http.StatusBadRequest, "token is required")
	}
	uid, _ := c.Locals("user_id").(string)
	ticket, err := h.coordinator.Resend(c.UserContext(), req.Token, uid)
	if err != nil {
		return HTTPError(err)
	}
	return c.Status(http.StatusAccepted).JSON(ticket)
}

// StatusFor maps confirmation failures to HTTP status codes. ok is false
// when err is not a confirmation failure.
func StatusFor(err error) (status int, ok bool) {
	switch {
	case errors.Is(err, ErrAttemptsExhausted):
		return http.StatusGone, true
	case errors.Is(err, ErrNotFound), errors.Is(err, otp.ErrNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, true
	case errors.Is(err, otp.ErrMismatch):
		return http.StatusBadRequest, true
	case errors.Is(err, otp.ErrExpired):
		return http.StatusGone, true
	case errors.Is(err, otp.ErrTooSoon):
		return http.StatusTooManyRequests, true
	default:
		return 0, false
	}
}

// HTTPError converts err to a fiber error, defaulting to 500.
func HTTPError(err error) error {
	if status, ok := StatusFor(err); ok {
		return fiber.NewError(status, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}
