package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "pulse/api/v1"
	"pulse/internal/config"
	"pulse/internal/http"
)

// publicCORSConfig is shared by the cross-origin ingestion endpoints.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referrer, User-Agent",
}

// MountAppRoutes returns the route mount function for the given services.
func MountAppRoutes(cfg *config.Config, services *Services) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		mountRoutes(srv, cfg, services)
	}
}

func mountRoutes(srv *cartridge.Server, cfg *config.Config, services *Services) {
	// Rate limiting interferes with tests and local load generation, so it
	// only applies in production.
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// 70 requests per minute per IP for event ingestion
	publicRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(70),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	publicAPIConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		WriteConcurrency: false,
		CustomMiddleware: []fiber.Handler{publicRateLimiter},
		CORSConfig:       publicCORSConfig,
	}

	// Reports are read by dashboards and scripts, not browsers on tracked sites.
	reportAPIConfig := &cartridge.RouteConfig{
		EnableSecFetchSite: cartridge.Bool(false),
	}

	opsConfig := &cartridge.RouteConfig{
		EnableSecFetchSite: cartridge.Bool(false),
	}

	collect := v1.NewCollectHandlers(services.Tracker, services.Hasher, services.Geo, services.ExcludedIPs)
	reports := v1.NewFunnelHandlers(services.Funnels)

	// === OPERATIONS ===
	srv.Get("/_health", http.HealthIndexAction, opsConfig)
	srv.Head("/_health", http.HealthIndexAction, opsConfig)
	srv.Get("/metrics", http.MetricsAction, opsConfig)

	// === PUBLIC INGESTION ===
	noContent := func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}
	srv.Post("/api/v1/events", collect.CreateEventAction, publicAPIConfig)
	srv.Options("/api/v1/events", noContent, publicAPIConfig)
	srv.Post("/api/v1/events/beacon", collect.CreateEventBeaconAction, publicAPIConfig)
	srv.Options("/api/v1/events/beacon", noContent, publicAPIConfig)

	// === REPORTS ===
	srv.Get("/api/v1/sites/:siteId/funnels/:id/stats", reports.FunnelStatsAction, reportAPIConfig)
}
