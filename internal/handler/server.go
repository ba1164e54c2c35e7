package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dispatch-bot/internal/observability"
	"go.uber.org/zap"
)

// NewServer builds the operational HTTP app: health probes and Prometheus metrics.
func NewServer(logger *zap.Logger, metrics *observability.Metrics, checks ...Check) *fiber.App {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())

	RegisterHealthRoutes(app, checks...)
	RegisterMetricsRoute(app, metrics.Handler())
	return app
}
