// Package web exposes the status UI surface: the flat status record, the
// alert snapshot/deck, the health check and Prometheus metrics.
package web

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/status"
)

const lastAlertCollapseMs = 5000

// Register wires all endpoints onto the fiber app.
func Register(app *fiber.App, st *status.Assembler, alerts *alert.Engine) {
	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(st.Build())
	})

	app.Get("/alerts", func(c *fiber.Ctx) error {
		return c.JSON(alerts.Snapshot())
	})

	app.Get("/alerts/deck", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 10)
		return c.JSON(alerts.Deck(limit))
	})

	app.Get("/alerts/last", func(c *fiber.Ctx) error {
		item, ok := alerts.LatestCollapsed(lastAlertCollapseMs)
		if !ok {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(item)
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		v := st.Build()
		body := fiber.Map{
			"status":     "UP",
			"solisState": v.SolisState,
			"smAgeMs":    v.SmAgeMs,
			"outAgeMs":   v.OutAgeMs,
			"gridAgeMs":  v.GridAgeMs,
		}
		if !status.Healthy(v) {
			body["status"] = "DEGRADED"
			return c.Status(fiber.StatusServiceUnavailable).JSON(body)
		}
		return c.JSON(body)
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
