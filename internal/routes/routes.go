package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transferd/internal/auth"
	"github.com/congo-pay/transferd/internal/config"
	"github.com/congo-pay/transferd/internal/funding"
	"github.com/congo-pay/transferd/internal/middleware"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/scheduling"
	"github.com/congo-pay/transferd/internal/twophase"
	"github.com/congo-pay/transferd/internal/wallet"
)

// Deps aggregates what the HTTP surface needs. Nil backends are reported as
// "disabled" by the health check; a nil Cache disables idempotency and rate
// limiting.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Rabbit *amqp.Connection
	Logger *slog.Logger

	Issuer     *auth.Issuer
	Wallets    *wallet.Handler
	Payments   *payments.Handler
	Funding    *funding.Handler
	Scheduling *scheduling.Handler
	OTP        *twophase.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	if d.Cfg.IsDev() {
		api.Post("/dev/token", d.Issuer.DevTokenHandler)
	}

	protected := api.Group("", middleware.JWTAuth(d.Issuer))

	idempotent := func(c *fiber.Ctx) error { return c.Next() }
	confirmLimit := idempotent
	resendLimit := idempotent
	if d.Cache != nil {
		idempotent = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
		confirmLimit = middleware.RateLimit(d.Cache, "confirm", d.Cfg.ConfirmRateLimit, time.Minute, d.Logger)
		resendLimit = middleware.RateLimit(d.Cache, "resend", d.Cfg.ConfirmRateLimit, time.Minute, d.Logger)
	}

	RegisterWalletRoutes(protected, d.Wallets, d.Funding, idempotent)
	RegisterTransferRoutes(protected, d.Payments, d.Funding, confirmLimit, idempotent)
	RegisterScheduleRoutes(protected, d.Scheduling, confirmLimit, idempotent)
	protected.Post("/otp/resend", resendLimit, d.OTP.Resend)
}
