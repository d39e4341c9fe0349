package scheduling

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/payments"
)

// Handler exposes scheduled-transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a scheduling handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type scheduleRequest struct {
	Receiver         string          `json:"receiver"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	Recurrence       string          `json:"recurrence"`
	RecurrenceEnd    *time.Time      `json:"recurrence_end"`
	TotalOccurrences int             `json:"total_occurrences"`
}

type confirmRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// Initiate validates a schedule and sends a confirmation code.
func (h *Handler) Initiate(c *fiber.Ctx) error {
	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	rec, err := ParseRecurrence(req.Recurrence)
	if err != nil {
		return mapError(err)
	}
	uid, _ := c.Locals("user_id").(string)

	ticket, err := h.service.InitiateSchedule(c.UserContext(), ScheduleInput{
		Sender:           uid,
		Receiver:         req.Receiver,
		Amount:           req.Amount,
		Description:      req.Description,
		ScheduledAt:      req.ScheduledAt,
		Recurrence:       rec,
		RecurrenceEnd:    req.RecurrenceEnd,
		TotalOccurrences: req.TotalOccurrences,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusAccepted).JSON(ticket)
}

// Confirm verifies the code and persists the schedule.
func (h *Handler) Confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	t, err := h.service.ConfirmSchedule(c.UserContext(), req.Token, uid, req.Code)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(t)
}

// List returns the caller's scheduled transfers.
func (h *Handler) List(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	rows, err := h.service.List(c.UserContext(), uid, c.QueryInt("limit", defaultListLimit))
	if err != nil {
		return mapError(err)
	}
	if rows == nil {
		rows = []Transfer{}
	}
	return c.JSON(fiber.Map{"items": rows})
}

// Get returns one of the caller's scheduled transfers.
func (h *Handler) Get(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	t, err := h.service.Get(c.UserContext(), c.Params("id"), uid)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(t)
}

// Cancel withdraws a pending scheduled transfer.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	t, err := h.service.Cancel(c.UserContext(), c.Params("id"), uid)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(t)
}

// Republish re-emits an execution hint for one of the caller's rows.
func (h *Handler) Republish(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	id := strings.TrimSpace(c.Params("id"))
	if _, err := h.service.Get(c.UserContext(), id, uid); err != nil {
		return mapError(err)
	}
	if err := h.service.Republish(c.UserContext(), id); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusAccepted)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrNotRepublishable):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidSchedule):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return payments.HTTPError(err)
	}
}
