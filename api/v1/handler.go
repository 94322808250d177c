package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"pulse/internal/events"
	"pulse/internal/pkg/geoip"
	"pulse/internal/pkg/user_agent"
	"pulse/internal/settings"
	"pulse/internal/tracking"
	"pulse/internal/visitors"
)

const (
	msgEventAdded     = "Event added successfully"
	msgEventIgnored   = "Event ignored"
	errInvalidRequest = "Invalid request"
)

// EventTracker runs the tracking pipeline for one event.
type EventTracker interface {
	Track(ctx context.Context, event *events.Event) (*tracking.Outcome, error)
}

// CollectHandlers serves the event ingestion endpoints.
type CollectHandlers struct {
	tracker  EventTracker
	hasher   *visitors.Hasher
	geo      *geoip.Resolver
	excluded *settings.ExcludedIPs
}

// NewCollectHandlers wires the ingestion endpoints. geo and excluded may be nil.
func NewCollectHandlers(tracker EventTracker, hasher *visitors.Hasher, geo *geoip.Resolver, excluded *settings.ExcludedIPs) *CollectHandlers {
	return &CollectHandlers{tracker: tracker, hasher: hasher, geo: geo, excluded: excluded}
}

// CollectEventParams is the JSON body accepted by the collector.
type CollectEventParams struct {
	SiteID           uint                   `json:"site_id"`
	SessionID        string                 `json:"session_id"`
	URL              string                 `json:"url"`
	Path             string                 `json:"path"`
	Referrer         string                 `json:"referrer"`
	EventType        events.EventType       `json:"event_type"`
	EventName        string                 `json:"event_name"`
	EventData        map[string]interface{} `json:"event_data"`
	ScrollDepthPct   int                    `json:"scroll_depth_pct"`
	EngagedTimeMs    int64                  `json:"engaged_time_ms"`
	TimeOnPageMs     int64                  `json:"time_on_page_ms"`
	Revenue          float64                `json:"revenue"`
	Currency         string                 `json:"currency"`
	ScreenResolution string                 `json:"screen_resolution"`
	Language         string                 `json:"language"`
	Timezone         string                 `json:"timezone"`
	Country          string                 `json:"country"`
	Timestamp        time.Time              `json:"timestamp"`
	UserAgent        string                 `json:"user_agent"`
}

// CreateEventAction handles POST /api/v1/events.
func (h *CollectHandlers) CreateEventAction(ctx *cartridge.Context) error {
	var params CollectEventParams
	if err := ctx.BodyParser(&params); err != nil {
		ctx.Logger.Debug("Failed to parse event request", slog.Any("error", err))
		return handleError(ctx.Ctx, fiber.NewError(http.StatusBadRequest, errInvalidRequest))
	}

	outcome, ignored, err := h.collect(ctx, &params)
	if err != nil {
		if errors.Is(err, tracking.ErrInvalidEvent) {
			return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "INVALID_EVENT",
			})
		}
		ctx.Logger.Error("Failed to collect event", slog.Any("error", err))
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "busy") {
			return ctx.Status(599).JSON(fiber.Map{}) // custom status code
		}
		return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to collect event",
			"code":  "COLLECTION_ERROR",
		})
	}

	if ignored {
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
			"message": msgEventIgnored,
			"status":  http.StatusAccepted,
		})
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message":   msgEventAdded,
		"status":    http.StatusAccepted,
		"is_entry":  outcome.IsEntry,
		"is_bounce": outcome.IsBounce,
	})
}

// CreateEventBeaconAction handles events sent via navigator.sendBeacon. The
// body arrives as text/plain and the response is always 202.
func (h *CollectHandlers) CreateEventBeaconAction(ctx *cartridge.Context) error {
	var params CollectEventParams
	if err := json.Unmarshal(ctx.Body(), &params); err != nil {
		ctx.Logger.Debug("Failed to parse beacon request", slog.Any("error", err))
		return ctx.SendStatus(http.StatusAccepted)
	}

	if _, _, err := h.collect(ctx, &params); err != nil {
		ctx.Logger.Debug("Failed to collect beacon event",
			slog.Any("error", err),
			slog.String("event_name", params.EventName))
	}
	return ctx.SendStatus(http.StatusAccepted)
}

// collect turns a request into an event and tracks it. ignored is true for
// traffic that is dropped on purpose: bots and excluded addresses.
func (h *CollectHandlers) collect(ctx *cartridge.Context, params *CollectEventParams) (*tracking.Outcome, bool, error) {
	userAgentHeader := ctx.Get("User-Agent")
	if forwardedUA := ctx.Get("X-Forwarded-User-Agent"); forwardedUA != "" {
		userAgentHeader = forwardedUA
	}
	if params.UserAgent != "" {
		userAgentHeader = params.UserAgent
	}

	ua := user_agent.ParseUserAgent(userAgentHeader)
	if ua.Bot {
		ctx.Logger.Debug("Ignoring bot traffic", slog.String("user_agent", userAgentHeader))
		return nil, true, nil
	}

	ip := getClientIP(ctx.Ctx)
	if h.excluded != nil {
		excluded, err := h.excluded.Contains(ip)
		if err != nil {
			ctx.Logger.Warn("Failed to check excluded IPs", slog.Any("error", err))
		} else if excluded {
			return nil, true, nil
		}
	}

	event, err := h.buildEvent(params, ip, userAgentHeader, ua)
	if err != nil {
		return nil, false, err
	}

	outcome, err := h.tracker.Track(ctx.UserContext(), event)
	return outcome, false, err
}

func (h *CollectHandlers) buildEvent(params *CollectEventParams, ip, userAgentHeader string, ua user_agent.UserAgent) (*events.Event, error) {
	event := &events.Event{
		SiteID:         params.SiteID,
		SessionID:      params.SessionID,
		EventType:      params.EventType,
		EventName:      strings.TrimSpace(params.EventName),
		EventData:      params.EventData,
		Path:           params.Path,
		ScrollDepthPct: params.ScrollDepthPct,
		EngagedTimeMs:  params.EngagedTimeMs,
		TimeOnPageMs:   params.TimeOnPageMs,
		Revenue:        params.Revenue,
		Currency:       strings.ToUpper(params.Currency),
		Timestamp:      params.Timestamp,
		Device: events.Device{
			DeviceType:       ua.Device,
			Browser:          ua.Browser,
			OperatingSystem:  ua.OS,
			Language:         params.Language,
			Timezone:         params.Timezone,
			ScreenResolution: params.ScreenResolution,
		},
	}

	var pageHostname string
	if params.URL != "" {
		page, err := events.ParsePage(params.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", tracking.ErrInvalidEvent, err)
		}
		pageHostname = page.Hostname
		event.Attribution = page.Attribution
		if event.Path == "" {
			event.Path = page.Path
		}
	}
	event.ReferrerHostname = events.ReferrerHostname(params.Referrer, pageHostname)

	event.Country = events.UnknownCountry
	if h.geo != nil {
		event.Country = h.geo.Country(ip)
	}
	if event.Country == events.UnknownCountry && params.Country != "" {
		event.Country = geoip.NormalizeCountry(params.Country)
	}

	event.VisitorHash = h.hasher.Hash(ip, userAgentHeader, params.ScreenResolution, params.Language, params.Timezone)
	return event, nil
}

func handleError(c *fiber.Ctx, err error) error {
	if fiberErr, ok := err.(*fiber.Error); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
		})
	}

	return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
		"error": errInvalidRequest,
	})
}
