// Package http holds the operational endpoints of the collector.
package http

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
)

const healthPingTimeout = 2 * time.Second

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	DBStatus  string    `json:"db_status"`
}

// HealthIndexAction handles the health check endpoint. A failing database
// reports "degraded" with status 503 so load balancers can act on it.
func HealthIndexAction(ctx *cartridge.Context) error {
	health := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		DBStatus:  "ok",
	}

	if err := pingDatabase(ctx.UserContext(), ctx.DBManager); err != nil {
		ctx.Logger.Error("Database health check failed", slog.Any("error", err))
		health.Status = "degraded"
		health.DBStatus = "error"
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(health)
	}

	return ctx.JSON(health)
}

func pingDatabase(parent context.Context, dbManager cartridge.DBManager) error {
	if dbManager == nil {
		return errors.New("database manager unavailable")
	}
	db := dbManager.GetConnection()
	if db == nil {
		return errors.New("database connection unavailable")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, healthPingTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
