package v1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"pulse/internal/funnels"
)

const (
	dateLayout          = "2006-01-02"
	defaultReportWindow = 30 * 24 * time.Hour
)

// FunnelReporter computes funnel reports.
type FunnelReporter interface {
	ComputeFunnelStats(ctx context.Context, funnelID, siteID uint, from, to time.Time) (*funnels.Result, error)
}

// FunnelHandlers serves funnel reports.
type FunnelHandlers struct {
	reporter FunnelReporter
	now      func() time.Time
}

func NewFunnelHandlers(reporter FunnelReporter) *FunnelHandlers {
	return &FunnelHandlers{reporter: reporter, now: time.Now}
}

// FunnelStatsAction handles GET /api/v1/sites/:siteId/funnels/:id/stats.
func (h *FunnelHandlers) FunnelStatsAction(ctx *cartridge.Context) error {
	siteID, err := ctx.ParamsInt("siteId")
	if err != nil || siteID <= 0 {
		return handleError(ctx.Ctx, fiber.NewError(http.StatusBadRequest, "Invalid site id"))
	}
	funnelID, err := ctx.ParamsInt("id")
	if err != nil || funnelID <= 0 {
		return handleError(ctx.Ctx, fiber.NewError(http.StatusBadRequest, "Invalid funnel id"))
	}

	from, to, err := h.reportRange(ctx.Query("from"), ctx.Query("to"))
	if err != nil {
		return handleError(ctx.Ctx, fiber.NewError(http.StatusBadRequest, err.Error()))
	}

	result, err := h.reporter.ComputeFunnelStats(ctx.UserContext(), uint(funnelID), uint(siteID), from, to)
	if errors.Is(err, funnels.ErrFunnelNotFound) {
		return handleError(ctx.Ctx, fiber.NewError(http.StatusNotFound, "Funnel not found"))
	}
	if err != nil {
		ctx.Logger.Error("Failed to compute funnel stats",
			slog.Int("funnel_id", funnelID),
			slog.Int("site_id", siteID),
			slog.Any("error", err))
		return handleError(ctx.Ctx, fiber.NewError(http.StatusInternalServerError, "Failed to compute funnel stats"))
	}

	return ctx.JSON(result)
}

// reportRange resolves the from/to query parameters. Either may be RFC3339
// or a bare date; a bare "to" date covers that whole day. Missing values
// default to the last 30 days.
func (h *FunnelHandlers) reportRange(fromParam, toParam string) (time.Time, time.Time, error) {
	to := h.now().UTC()
	if toParam != "" {
		parsed, dateOnly, err := parseReportTime(toParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = parsed
		if dateOnly {
			to = parsed.Add(24*time.Hour - time.Nanosecond)
		}
	}

	from := to.Add(-defaultReportWindow)
	if fromParam != "" {
		parsed, _, err := parseReportTime(fromParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = parsed
	}

	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must not be after to")
	}
	return from, to, nil
}

func parseReportTime(value string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected RFC3339 or %s, got %q", dateLayout, value)
	}
	return t, true, nil
}
