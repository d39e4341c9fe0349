package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	statusOK       = "ok"
	statusDisabled = "disabled"
)

// RegisterHealthRoutes adds a readiness endpoint covering every backend.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		report := fiber.Map{
			"postgres": statusDisabled,
			"redis":    statusDisabled,
			"rabbitmq": statusDisabled,
		}
		healthy := true
		check := func(name string, err error) {
			if err != nil {
				report[name] = err.Error()
				healthy = false
				return
			}
			report[name] = statusOK
		}
		if d.DB != nil {
			check("postgres", d.DB.Ping(ctx))
		}
		if d.Cache != nil {
			check("redis", d.Cache.Ping(ctx).Err())
		}
		if d.Rabbit != nil {
			var err error
			if d.Rabbit.IsClosed() {
				err = errConnectionClosed
			}
			check("rabbitmq", err)
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    report,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

var errConnectionClosed = errors.New("connection closed")
