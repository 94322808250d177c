// Package v1_test contains tests for the API v1 handlers
package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	v1 "pulse/api/v1"
	"pulse/internal/conditions"
	"pulse/internal/events"
	"pulse/internal/funnels"
	"pulse/internal/sessions"
	"pulse/internal/settings"
	"pulse/internal/testsupport"
	"pulse/internal/tracking"
	"pulse/internal/visitors"
)

const chromeUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func collectApp(t *testing.T, db *gorm.DB) *v1.CollectHandlers {
	t.Helper()
	logger := testsupport.GetLogger()
	hasher := visitors.NewHasher(visitors.NewSaltProvider(visitors.Salt{Value: "test-salt"}))
	return v1.NewCollectHandlers(
		tracking.NewTracker(db, logger, nil),
		hasher,
		nil,
		settings.NewExcludedIPs(db, logger, time.Minute),
	)
}

func mountCollect(h *v1.CollectHandlers) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		srv.Post("/api/v1/events", h.CreateEventAction)
		srv.Post("/api/v1/events/beacon", h.CreateEventBeaconAction)
	}
}

func newRequest(t *testing.T, path string, body any, userAgent, ip string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	return req
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&events.Event{}).Count(&n).Error)
	return n
}

func TestCreateEventAction(t *testing.T) {
	t.Run("accepts a pageview and reports the session outcome", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.NewTestApp(t, db, mountCollect(collectApp(t, db)))

		resp, err := app.Test(newRequest(t, "/api/v1/events", map[string]any{
			"site_id":    1,
			"session_id": "s-accept",
			"url":        "https://example.com/pricing?utm_campaign=launch",
			"referrer":   "https://www.google.com/search",
			"country":    "DE",
		}, chromeUA, "203.0.113.5"), 30000)
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		body := decode(t, resp)
		assert.Equal(t, "Event added successfully", body["message"])
		assert.Equal(t, true, body["is_entry"])
		assert.Equal(t, true, body["is_bounce"])

		stored, err := events.SessionEvents(context.Background(), db, "s-accept")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		event := stored[0]
		assert.Equal(t, "/pricing", event.Path)
		assert.Equal(t, "google.com", event.ReferrerHostname)
		assert.Equal(t, "launch", event.UTMCampaign)
		assert.Equal(t, "de", event.Country)
		assert.Equal(t, "desktop", event.DeviceType)
		assert.Equal(t, "Chrome", event.Browser)
		assert.Equal(t, "Mac", event.OperatingSystem)
		assert.Equal(t, visitors.BuildVisitorHash("203.0.113.5", chromeUA, "", "", "", "test-salt"), event.VisitorHash)

		s, err := sessions.Get(context.Background(), db, "s-accept")
		require.NoError(t, err)
		assert.Equal(t, "google.com", s.ReferrerHostname)
	})

	t.Run("rejects invalid events with 400", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.NewTestApp(t, db, mountCollect(collectApp(t, db)))

		for name, body := range map[string]map[string]any{
			"missing session": {"site_id": 1, "url": "https://example.com/"},
			"missing site":    {"session_id": "s1", "url": "https://example.com/"},
			"unknown type":    {"site_id": 1, "session_id": "s1", "event_type": "teleport"},
			"bad scroll":      {"site_id": 1, "session_id": "s1", "event_type": "scroll_depth", "scroll_depth_pct": 140},
			"bad url":         {"site_id": 1, "session_id": "s1", "url": "/relative/only"},
		} {
			resp, err := app.Test(newRequest(t, "/api/v1/events", body, chromeUA, "203.0.113.5"), 30000)
			require.NoError(t, err, name)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		}

		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader([]byte("{not json"))), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		assert.Zero(t, countEvents(t, db))
	})

	t.Run("ignores bots and excluded addresses", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		require.NoError(t, settings.PutSetting(testsupport.GetLogger(), db, settings.KeyExcludedIPs, "198.51.100.9"))
		app := testsupport.NewTestApp(t, db, mountCollect(collectApp(t, db)))

		body := map[string]any{"site_id": 1, "session_id": "s-ignored", "url": "https://example.com/"}

		resp, err := app.Test(newRequest(t, "/api/v1/events", body, "Mozilla/5.0 (compatible; Googlebot/2.1)", "203.0.113.5"), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "Event ignored", decode(t, resp)["message"])

		resp, err = app.Test(newRequest(t, "/api/v1/events", body, chromeUA, "198.51.100.9"), 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "Event ignored", decode(t, resp)["message"])

		assert.Zero(t, countEvents(t, db))
	})
}

func TestCreateEventBeaconAction(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	app := testsupport.NewTestApp(t, db, mountCollect(collectApp(t, db)))

	req := newRequest(t, "/api/v1/events/beacon", map[string]any{
		"site_id":          1,
		"session_id":       "s-beacon",
		"path":             "/article",
		"event_type":       "scroll_depth",
		"scroll_depth_pct": 75,
	}, chromeUA, "203.0.113.7")
	req.Header.Set("Content-Type", "text/plain")
	resp, err := app.Test(req, 30000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	stored, err := events.SessionEvents(context.Background(), db, "s-beacon")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 75, stored[0].ScrollDepthPct)

	// Malformed and invalid beacons are still acknowledged.
	for _, raw := range []string{"garbage", `{"site_id": 1}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events/beacon", bytes.NewReader([]byte(raw)))
		resp, err := app.Test(req, 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
}

func TestFunnelStatsAction(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()

	funnel := &funnels.Funnel{SiteID: 3, Name: "Signup"}
	require.NoError(t, funnel.SetSteps([]funnels.Step{
		{Name: "Home", Condition: conditions.Condition{Type: conditions.TypePageVisit, Path: "/", Match: conditions.MatchExact}},
		{Name: "Signup", Condition: conditions.Condition{Type: conditions.TypeFormSubmit}},
	}))
	require.NoError(t, db.Create(funnel).Error)

	engine := funnels.NewEngine(db, logger, 10, 2)
	h := v1.NewFunnelHandlers(engine)
	app := testsupport.NewTestApp(t, db, func(srv *cartridge.Server) {
		srv.Get("/api/v1/sites/:siteId/funnels/:id/stats", h.FunnelStatsAction)
	})

	get := func(url string) *http.Response {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, url, nil), 30000)
		require.NoError(t, err)
		return resp
	}

	resp := get(fmt.Sprintf("/api/v1/sites/3/funnels/%d/stats?from=2025-01-01&to=2025-01-31", funnel.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report funnels.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), report.From.UTC())
	assert.Equal(t, time.Date(2025, 1, 31, 23, 59, 59, 999999999, time.UTC), report.To.UTC())
	assert.Equal(t, 0, report.CohortSize)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, 0.0, report.Steps[0].ConversionRate)

	assert.Equal(t, http.StatusNotFound, get(fmt.Sprintf("/api/v1/sites/4/funnels/%d/stats", funnel.ID)).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/api/v1/sites/3/funnels/abc/stats").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(fmt.Sprintf("/api/v1/sites/3/funnels/%d/stats?from=yesterday", funnel.ID)).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(fmt.Sprintf("/api/v1/sites/3/funnels/%d/stats?from=2025-02-01&to=2025-01-01", funnel.ID)).StatusCode)
}
