package goals_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pulse/internal/events"
	"pulse/internal/goals"
	"pulse/internal/models"
	"pulse/internal/testsupport"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []goals.Conversion
}

func (n *recordingNotifier) Notify(_ goals.Goal, c goals.Conversion) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, c)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func saveGoal(t *testing.T, db *gorm.DB, g goals.Goal) *goals.Goal {
	t.Helper()
	if g.SiteID == 0 {
		g.SiteID = 1
	}
	require.NoError(t, goals.SaveGoal(testsupport.GetLogger(), db, &g))
	return &g
}

func newEngine(db *gorm.DB, notifier goals.Notifier) *goals.Engine {
	return goals.NewEngine(db, testsupport.GetLogger(), notifier, time.Minute)
}

func TestScrollDepthGoal(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	goal := saveGoal(t, db, goals.Goal{
		Name:       "Read pricing",
		Conditions: models.JSON(`{"type":"scroll_depth","path":"/pricing","min_pct":75}`),
	})
	assert.Equal(t, "scroll_depth", goal.GoalType)
	engine := newEngine(db, nil)

	tests := []struct {
		name    string
		session string
		path    string
		pct     int
		fires   bool
	}{
		{"deep scroll on pricing", "scroll-1", "/pricing", 80, true},
		{"shallow scroll on pricing", "scroll-2", "/pricing", 60, false},
		{"deep scroll elsewhere", "scroll-3", "/other", 90, false},
		{"exact threshold", "scroll-4", "/pricing", 75, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := testsupport.NewEvent(tt.session, tt.path, base,
				testsupport.WithType(events.EventTypeScrollDepth, ""),
				testsupport.WithEngagement(tt.pct, 0))
			converted := engine.Evaluate(context.Background(), event)
			if tt.fires {
				require.Len(t, converted, 1)
				assert.Equal(t, goal.ID, converted[0].GoalID)
				assert.Equal(t, tt.path, converted[0].ConversionPath)
			} else {
				assert.Empty(t, converted)
			}
		})
	}
}

func TestOncePerSessionIsIdempotent(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	goal := saveGoal(t, db, goals.Goal{
		Name:         "Signup",
		Conditions:   models.JSON(`[{"type":"event","event_name":"signup"}]`),
		RevenueValue: 12.5,
		WebhookURL:   "https://hooks.example.com/goal",
	})
	notifier := &recordingNotifier{}
	engine := newEngine(db, notifier)

	event := testsupport.CreateEvent(t, db, "once", "/signup", base, testsupport.WithType(events.EventTypeCustom, "signup"))
	first := engine.Evaluate(context.Background(), event)
	second := engine.Evaluate(context.Background(), event)
	later := testsupport.CreateEvent(t, db, "once", "/signup", base.Add(time.Minute), testsupport.WithType(events.EventTypeCustom, "signup"))
	third := engine.Evaluate(context.Background(), later)

	require.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Empty(t, third)
	assert.InDelta(t, 12.5, first[0].Revenue, 0.001)

	conversions, err := goals.ConversionsForGoal(context.Background(), db, goal.ID)
	require.NoError(t, err)
	assert.Len(t, conversions, 1)
	assert.Equal(t, 1, notifier.count(), "Only the recorded conversion should notify")
}

func TestEveryTimeGoal(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	goal := saveGoal(t, db, goals.Goal{
		Name:              "Purchase",
		Conditions:        models.JSON(`[{"type":"revenue","min_revenue":10}]`),
		CountMode:         goals.CountEveryTime,
		UseDynamicRevenue: true,
	})
	engine := newEngine(db, nil)

	p1 := testsupport.CreateEvent(t, db, "buyer", "/checkout", base,
		testsupport.WithType(events.EventTypeEcommerce, "purchase"), testsupport.WithRevenue(30, "USD"))
	p2 := testsupport.CreateEvent(t, db, "buyer", "/checkout", base.Add(time.Minute),
		testsupport.WithType(events.EventTypeEcommerce, "purchase"), testsupport.WithRevenue(15, "USD"))
	small := testsupport.CreateEvent(t, db, "buyer", "/checkout", base.Add(2*time.Minute),
		testsupport.WithType(events.EventTypeEcommerce, "purchase"), testsupport.WithRevenue(5, "USD"))

	assert.Len(t, engine.Evaluate(context.Background(), p1), 1)
	assert.Len(t, engine.Evaluate(context.Background(), p2), 1)
	assert.Empty(t, engine.Evaluate(context.Background(), p2), "The same event never converts twice")
	assert.Empty(t, engine.Evaluate(context.Background(), small))

	conversions, err := goals.ConversionsForGoal(context.Background(), db, goal.ID)
	require.NoError(t, err)
	require.Len(t, conversions, 2)
	assert.InDelta(t, 30.0, conversions[0].Revenue, 0.001)
	assert.InDelta(t, 15.0, conversions[1].Revenue, 0.001)
	assert.Equal(t, "USD", conversions[0].Currency)
}

func TestEveryTimeCompoundGoal(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	goal := saveGoal(t, db, goals.Goal{
		Name:      "Pricing and download",
		CountMode: goals.CountEveryTime,
		Conditions: models.JSON(`{"operator":"AND","conditions":[
			{"type":"page_visit","path":"/pricing"},
			{"type":"event","event_name":"download"}]}`),
	})
	engine := newEngine(db, nil)
	ctx := context.Background()

	testsupport.CreateEvent(t, db, "dl", "/pricing", base)
	first := testsupport.CreateEvent(t, db, "dl", "/files", base.Add(time.Minute),
		testsupport.WithType(events.EventTypeCustom, "download"))
	assert.Len(t, engine.Evaluate(ctx, first), 1)

	unrelated := testsupport.CreateEvent(t, db, "dl", "/about", base.Add(2*time.Minute))
	assert.Empty(t, engine.Evaluate(ctx, unrelated), "Events matching no condition do not convert")

	second := testsupport.CreateEvent(t, db, "dl", "/files", base.Add(3*time.Minute),
		testsupport.WithType(events.EventTypeCustom, "download"))
	assert.Len(t, engine.Evaluate(ctx, second), 1)

	conversions, err := goals.ConversionsForGoal(ctx, db, goal.ID)
	require.NoError(t, err)
	assert.Len(t, conversions, 2)
}

func TestCompoundGoals(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	forward := saveGoal(t, db, goals.Goal{
		Name: "A then C",
		Conditions: models.JSON(`{"operator":"SEQUENCE","conditions":[
			{"type":"page_visit","path":"/a"},
			{"type":"page_visit","path":"/c"}]}`),
	})
	backward := saveGoal(t, db, goals.Goal{
		Name: "C then A",
		Conditions: models.JSON(`{"operator":"SEQUENCE","conditions":[
			{"type":"page_visit","path":"/c"},
			{"type":"page_visit","path":"/a"}]}`),
	})
	both := saveGoal(t, db, goals.Goal{
		Name: "Pricing and signup",
		Conditions: models.JSON(`{"operator":"AND","conditions":[
			{"type":"page_visit","path":"/pricing"},
			{"type":"event","event_name":"signup"}]}`),
	})
	either := saveGoal(t, db, goals.Goal{
		Name: "Docs or blog",
		Conditions: models.JSON(`{"operator":"OR","conditions":[
			{"type":"page_visit","path":"/docs","match":"contains"},
			{"type":"page_visit","path":"^/blog/","match":"regex"}]}`),
	})
	engine := newEngine(db, nil)
	ctx := context.Background()

	t.Run("sequence skips unrelated events and respects order", func(t *testing.T) {
		testsupport.CreateEvent(t, db, "seq", "/a", base)
		testsupport.CreateEvent(t, db, "seq", "/b", base.Add(time.Second))
		c := testsupport.CreateEvent(t, db, "seq", "/c", base.Add(2*time.Second))

		converted := engine.Evaluate(ctx, c)
		require.Len(t, converted, 1)
		assert.Equal(t, forward.ID, converted[0].GoalID)

		exists, err := goals.ConversionExists(ctx, db, backward.ID, "seq")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("sequence includes an event not yet stored", func(t *testing.T) {
		testsupport.CreateEvent(t, db, "seq-live", "/a", base)
		live := testsupport.NewEvent("seq-live", "/c", base.Add(time.Second))

		converted := engine.Evaluate(ctx, live)
		require.Len(t, converted, 1)
		assert.Equal(t, forward.ID, converted[0].GoalID)
	})

	t.Run("and is satisfied across different events", func(t *testing.T) {
		pricing := testsupport.CreateEvent(t, db, "and", "/pricing", base)
		assert.Empty(t, engine.Evaluate(ctx, pricing))

		signup := testsupport.CreateEvent(t, db, "and", "/welcome", base.Add(time.Minute),
			testsupport.WithType(events.EventTypeCustom, "signup"))
		converted := engine.Evaluate(ctx, signup)
		require.Len(t, converted, 1)
		assert.Equal(t, both.ID, converted[0].GoalID)
		assert.Equal(t, "/welcome", converted[0].ConversionPath)
	})

	t.Run("or only looks at the current event", func(t *testing.T) {
		converted := engine.Evaluate(ctx, testsupport.NewEvent("or", "/blog/launch", base))
		require.Len(t, converted, 1)
		assert.Equal(t, either.ID, converted[0].GoalID)

		assert.Empty(t, engine.Evaluate(ctx, testsupport.NewEvent("or-2", "/pricing", base)))
	})
}

func TestEvaluateIsolatesGoals(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()

	broken := goals.Goal{SiteID: 1, Name: "Broken", GoalType: "page_visit", Conditions: models.JSON(`[]`),
		CountMode: goals.CountOncePerSession}
	require.NoError(t, db.Create(&broken).Error)

	inactive := goals.Goal{SiteID: 1, Name: "Inactive", Disabled: true, Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)}
	require.NoError(t, goals.SaveGoal(logger, db, &inactive))
	assert.True(t, inactive.Disabled)

	working := saveGoal(t, db, goals.Goal{Name: "Home", Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)})
	otherSite := saveGoal(t, db, goals.Goal{SiteID: 2, Name: "Home", Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)})

	converted := newEngine(db, nil).Evaluate(context.Background(), testsupport.NewEvent("iso", "/", base))
	require.Len(t, converted, 1)
	assert.Equal(t, working.ID, converted[0].GoalID)
	assert.NotEqual(t, otherSite.ID, converted[0].GoalID)
}

func TestEngineInvalidate(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	engine := newEngine(db, nil)
	ctx := context.Background()

	assert.Empty(t, engine.Evaluate(ctx, testsupport.NewEvent("inv-1", "/", base)))

	saveGoal(t, db, goals.Goal{Name: "Home", Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)})
	engine.Invalidate()

	assert.Len(t, engine.Evaluate(ctx, testsupport.NewEvent("inv-2", "/", base)), 1)
}

func TestSaveGoal(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()

	t.Run("upserts by site and name", func(t *testing.T) {
		g := goals.Goal{SiteID: 1, Name: "Trial", Conditions: models.JSON(`{"type":"page_visit","path":"/trial"}`)}
		require.NoError(t, goals.SaveGoal(logger, db, &g))
		firstID := g.ID

		update := goals.Goal{SiteID: 1, Name: "Trial", RevenueValue: 9,
			Conditions: models.JSON(`{"operator":"and","conditions":[{"type":"page_visit","path":"/trial"},{"type":"revenue"}]}`)}
		require.NoError(t, goals.SaveGoal(logger, db, &update))
		assert.Equal(t, firstID, update.ID)
		assert.Equal(t, "compound", update.GoalType)
		assert.Equal(t, goals.CountOncePerSession, update.CountMode)

		stored, err := goals.GetGoal(context.Background(), db, firstID)
		require.NoError(t, err)
		assert.InDelta(t, 9.0, stored.RevenueValue, 0.001)
	})

	t.Run("new goals are active by default", func(t *testing.T) {
		g := goals.Goal{SiteID: 3, Name: "Checkout", Conditions: models.JSON(`{"type":"page_visit","path":"/checkout"}`)}
		require.NoError(t, goals.SaveGoal(logger, db, &g))
		assert.False(t, g.Disabled)

		active, err := goals.ActiveGoals(context.Background(), db, 3)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, g.ID, active[0].ID)

		g.Disabled = true
		require.NoError(t, goals.SaveGoal(logger, db, &g))
		active, err = goals.ActiveGoals(context.Background(), db, 3)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		cases := map[string]goals.Goal{
			"missing name":       {SiteID: 1, Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)},
			"missing site":       {Name: "x", Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)},
			"unknown count mode": {SiteID: 1, Name: "x", CountMode: "sometimes", Conditions: models.JSON(`{"type":"page_visit","path":"/"}`)},
			"unknown condition":  {SiteID: 1, Name: "x", Conditions: models.JSON(`{"type":"hover"}`)},
			"no conditions":      {SiteID: 1, Name: "x", Conditions: models.JSON(`[]`)},
		}
		for name, g := range cases {
			g := g
			assert.Error(t, goals.SaveGoal(logger, db, &g), name)
		}
	})

	t.Run("unknown goal", func(t *testing.T) {
		_, err := goals.GetGoal(context.Background(), db, 9999)
		assert.ErrorIs(t, err, goals.ErrGoalNotFound)
	})
}
