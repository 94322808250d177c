package http

import (
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/internal/metrics"
)

var metricsHandler = adaptor.HTTPHandler(promhttp.Handler())

// MetricsAction exposes the Prometheus default registry.
func MetricsAction(ctx *cartridge.Context) error {
	// Collectors register on first use; make sure a scrape before the first
	// event still lists them.
	metrics.Get()
	return metricsHandler(ctx.Ctx)
}
