package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/transferd/internal/funding"
	"github.com/congo-pay/transferd/internal/wallet"
)

// RegisterWalletRoutes wires wallet and card funding endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, f *funding.Handler, idempotent fiber.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/me", h.Me)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Get("/wallets/:walletId/entries", h.Entries)
	r.Post("/wallets/:walletId/fund/card", idempotent, f.CardIn)
}
