package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transferd/internal/funding"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/scheduling"
)

// RegisterTransferRoutes wires the two-phase P2P transfer and withdrawal endpoints.
func RegisterTransferRoutes(r fiber.Router, p *payments.Handler, f *funding.Handler, confirmLimit, idempotent fiber.Handler) {
	r.Post("/transfers", p.Initiate)
	r.Post("/transfers/confirm", confirmLimit, idempotent, p.Confirm)
	r.Post("/withdrawals", f.InitiateWithdrawal)
	r.Post("/withdrawals/confirm", confirmLimit, idempotent, f.ConfirmWithdrawal)
}

// RegisterScheduleRoutes wires scheduled-transfer endpoints.
func RegisterScheduleRoutes(r fiber.Router, h *scheduling.Handler, confirmLimit, idempotent fiber.Handler) {
	group := r.Group("/scheduled-transfers")
	group.Post("", h.Initiate)
	group.Post("/confirm", confirmLimit, idempotent, h.Confirm)
	group.Get("", h.List)
	group.Get("/:id", h.Get)
	group.Delete("/:id", h.Cancel)
	group.Post("/:id/republish", h.Republish)
}
