package conditions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/conditions"
	"pulse/internal/events"
	"pulse/internal/testsupport"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestMatches(t *testing.T) {
	pageview := func(path string) *events.Event {
		return testsupport.NewEvent("s1", path, now)
	}

	tests := []struct {
		name      string
		condition conditions.Condition
		event     *events.Event
		expected  bool
	}{
		{
			name:      "page_visit exact",
			condition: conditions.Condition{Type: conditions.TypePageVisit, Path: "/pricing"},
			event:     pageview("/pricing"),
			expected:  true,
		},
		{
			name:      "page_visit exact rejects prefix",
			condition: conditions.Condition{Type: conditions.TypePageVisit, Path: "/pricing"},
			event:     pageview("/pricing/teams"),
			expected:  false,
		},
		{
			name:      "page_visit contains",
			condition: conditions.Condition{Type: conditions.TypePageVisit, Path: "pricing", Match: conditions.MatchContains},
			event:     pageview("/en/pricing/teams"),
			expected:  true,
		},
		{
			name:      "page_visit regex",
			condition: conditions.Condition{Type: conditions.TypePageVisit, Path: `^/blog/\d+$`, Match: conditions.MatchRegex},
			event:     pageview("/blog/42"),
			expected:  true,
		},
		{
			name:      "page_visit invalid regex fails closed",
			condition: conditions.Condition{Type: conditions.TypePageVisit, Path: `([`, Match: conditions.MatchRegex},
			event:     pageview("(["),
			expected:  false,
		},
		{
			name:      "page_visit ignores non-pageviews",
			condition: conditions.Condition{Type: conditions.TypePageVisit, Path: "/pricing"},
			event:     testsupport.NewEvent("s1", "/pricing", now, testsupport.WithType(events.EventTypeCustom, "cta")),
			expected:  false,
		},
		{
			name:      "event by name",
			condition: conditions.Condition{Type: conditions.TypeEvent, EventName: "signup"},
			event:     testsupport.NewEvent("s1", "/", now, testsupport.WithType(events.EventTypeCustom, "signup")),
			expected:  true,
		},
		{
			name:      "event with wrong name",
			condition: conditions.Condition{Type: conditions.TypeEvent, EventName: "signup"},
			event:     testsupport.NewEvent("s1", "/", now, testsupport.WithType(events.EventTypeCustom, "login")),
			expected:  false,
		},
		{
			name: "event property equality",
			condition: conditions.Condition{
				Type: conditions.TypeEvent, EventName: "signup", Property: "plan", PropertyValue: "pro",
			},
			event: testsupport.NewEvent("s1", "/", now,
				testsupport.WithType(events.EventTypeCustom, "signup"),
				testsupport.WithData(map[string]any{"plan": "pro"})),
			expected: true,
		},
		{
			name: "event property missing",
			condition: conditions.Condition{
				Type: conditions.TypeEvent, EventName: "signup", Property: "plan", PropertyValue: "pro",
			},
			event:    testsupport.NewEvent("s1", "/", now, testsupport.WithType(events.EventTypeCustom, "signup")),
			expected: false,
		},
		{
			name: "event property regex on numbers",
			condition: conditions.Condition{
				Type: conditions.TypeEvent, EventName: "purchase", Property: "seats",
				PropertyValue: `^[0-9]{2,}$`, PropertyMatch: conditions.MatchRegex,
			},
			event: testsupport.NewEvent("s1", "/", now,
				testsupport.WithType(events.EventTypeCustom, "purchase"),
				testsupport.WithData(map[string]any{"seats": 12})),
			expected: true,
		},
		{
			name:      "form_submit any form",
			condition: conditions.Condition{Type: conditions.TypeFormSubmit},
			event:     testsupport.NewEvent("s1", "/contact", now, testsupport.WithType(events.EventTypeFormSubmit, "")),
			expected:  true,
		},
		{
			name:      "form_submit by id",
			condition: conditions.Condition{Type: conditions.TypeFormSubmit, FormID: "newsletter"},
			event: testsupport.NewEvent("s1", "/contact", now,
				testsupport.WithType(events.EventTypeFormSubmit, ""),
				testsupport.WithData(map[string]any{"form_id": "contact"})),
			expected: false,
		},
		{
			name:      "form_submit ignores abandon",
			condition: conditions.Condition{Type: conditions.TypeFormSubmit},
			event:     testsupport.NewEvent("s1", "/contact", now, testsupport.WithType(events.EventTypeFormAbandon, "")),
			expected:  false,
		},
		{
			name:      "scroll_depth threshold is inclusive",
			condition: conditions.Condition{Type: conditions.TypeScrollDepth, Path: "/pricing", MinPct: 75},
			event:     testsupport.NewEvent("s1", "/pricing", now, testsupport.WithEngagement(75, 0)),
			expected:  true,
		},
		{
			name:      "scroll_depth glob",
			condition: conditions.Condition{Type: conditions.TypeScrollDepth, Path: "/blog/*", MinPct: 50},
			event:     testsupport.NewEvent("s1", "/blog/launch", now, testsupport.WithEngagement(60, 0)),
			expected:  true,
		},
		{
			name:      "time_on_page below threshold",
			condition: conditions.Condition{Type: conditions.TypeTimeOnPage, Path: "/docs/*", MinMs: 30000},
			event:     testsupport.NewEvent("s1", "/docs/setup", now, testsupport.WithEngagement(0, 29999)),
			expected:  false,
		},
		{
			name:      "time_on_page any path",
			condition: conditions.Condition{Type: conditions.TypeTimeOnPage, MinMs: 30000},
			event:     testsupport.NewEvent("s1", "/anything", now, testsupport.WithEngagement(0, 30000)),
			expected:  true,
		},
		{
			name:      "click selector",
			condition: conditions.Condition{Type: conditions.TypeClick, Selector: "#buy-now"},
			event: testsupport.NewEvent("s1", "/", now,
				testsupport.WithType(events.EventTypeCustom, "click"),
				testsupport.WithData(map[string]any{"selector": "#buy-now"})),
			expected: true,
		},
		{
			name:      "click without selector data",
			condition: conditions.Condition{Type: conditions.TypeClick, Selector: "#buy-now"},
			event:     testsupport.NewEvent("s1", "/", now),
			expected:  false,
		},
		{
			name:      "revenue minimum",
			condition: conditions.Condition{Type: conditions.TypeRevenue, MinRevenue: 50},
			event:     testsupport.NewEvent("s1", "/", now, testsupport.WithRevenue(50, "USD")),
			expected:  true,
		},
		{
			name:      "revenue requires a positive amount",
			condition: conditions.Condition{Type: conditions.TypeRevenue},
			event:     testsupport.NewEvent("s1", "/", now),
			expected:  false,
		},
		{
			name:      "unknown type",
			condition: conditions.Condition{Type: "hover"},
			event:     pageview("/"),
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, conditions.Matches(tt.condition, tt.event))
		})
	}
}

func TestScrollDepthScenario(t *testing.T) {
	goal := conditions.Condition{Type: conditions.TypeScrollDepth, Path: "/pricing", MinPct: 75}

	assert.True(t, conditions.Matches(goal, testsupport.NewEvent("s1", "/pricing", now, testsupport.WithEngagement(80, 0))))
	assert.False(t, conditions.Matches(goal, testsupport.NewEvent("s1", "/pricing", now, testsupport.WithEngagement(60, 0))))
	assert.False(t, conditions.Matches(goal, testsupport.NewEvent("s1", "/other", now, testsupport.WithEngagement(90, 0))))
}

func TestMatchesIsDeterministic(t *testing.T) {
	c := conditions.Condition{Type: conditions.TypePageVisit, Path: `^/p/.*`, Match: conditions.MatchRegex}
	event := testsupport.NewEvent("s1", "/p/1", now)
	for i := 0; i < 5; i++ {
		assert.True(t, conditions.Matches(c, event))
	}
	assert.Equal(t, "/p/1", event.Path)
}

func TestParseSet(t *testing.T) {
	t.Run("array is any-match", func(t *testing.T) {
		set, err := conditions.ParseSet([]byte(`[{"type":"page_visit","path":"/a"},{"type":"event","event_name":"b"}]`))
		require.NoError(t, err)
		assert.Equal(t, conditions.OperatorAny, set.Operator)
		assert.Len(t, set.Conditions, 2)
		assert.False(t, set.NeedsHistory())
	})

	t.Run("compound object", func(t *testing.T) {
		set, err := conditions.ParseSet([]byte(`{"operator":"sequence","conditions":[{"type":"page_visit","path":"/a"},{"type":"page_visit","path":"/b"}]}`))
		require.NoError(t, err)
		assert.Equal(t, conditions.OperatorSequence, set.Operator)
		assert.True(t, set.NeedsHistory())
	})

	t.Run("single object", func(t *testing.T) {
		set, err := conditions.ParseSet([]byte(`{"type":"scroll_depth","path":"/pricing","min_pct":75}`))
		require.NoError(t, err)
		assert.Equal(t, conditions.OperatorAny, set.Operator)
		require.Len(t, set.Conditions, 1)
		assert.Equal(t, 75, set.Conditions[0].MinPct)
	})

	t.Run("rejects malformed definitions", func(t *testing.T) {
		cases := map[string]string{
			"empty":            ``,
			"null":             `null`,
			"empty list":       `[]`,
			"scalar":           `"page_visit"`,
			"bad operator":     `{"operator":"XOR","conditions":[{"type":"page_visit","path":"/"}]}`,
			"unknown type":     `[{"type":"hover"}]`,
			"missing path":     `[{"type":"page_visit"}]`,
			"bad regex":        `[{"type":"page_visit","path":"([","match":"regex"}]`,
			"bad match mode":   `[{"type":"page_visit","path":"/","match":"fuzzy"}]`,
			"pct out of range": `[{"type":"scroll_depth","min_pct":120}]`,
			"broken json":      `[{"type":`,
		}
		for name, raw := range cases {
			_, err := conditions.ParseSet([]byte(raw))
			assert.Error(t, err, name)
		}
	})

	t.Run("validation errors carry the index", func(t *testing.T) {
		_, err := conditions.ParseSet([]byte(`[{"type":"page_visit","path":"/"},{"type":"click"}]`))
		var verr *conditions.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 1, verr.Index)
		assert.Equal(t, "selector", verr.Field)
	})
}

func TestSetEvaluate(t *testing.T) {
	a := conditions.Condition{Type: conditions.TypePageVisit, Path: "/a"}
	b := conditions.Condition{Type: conditions.TypePageVisit, Path: "/b"}
	c := conditions.Condition{Type: conditions.TypePageVisit, Path: "/c"}

	history := []events.Event{
		*testsupport.NewEvent("s1", "/a", now),
		*testsupport.NewEvent("s1", "/b", now.Add(time.Minute)),
		*testsupport.NewEvent("s1", "/c", now.Add(2*time.Minute)),
	}
	current := &history[2]

	t.Run("sequence allows skipped events", func(t *testing.T) {
		set := conditions.Set{Operator: conditions.OperatorSequence, Conditions: []conditions.Condition{a, c}}
		assert.True(t, set.Evaluate(current, history))
	})

	t.Run("sequence enforces order", func(t *testing.T) {
		set := conditions.Set{Operator: conditions.OperatorSequence, Conditions: []conditions.Condition{c, a}}
		assert.False(t, set.Evaluate(current, history))
	})

	t.Run("sequence needs one event per step", func(t *testing.T) {
		set := conditions.Set{Operator: conditions.OperatorSequence, Conditions: []conditions.Condition{a, a}}
		assert.False(t, set.Evaluate(current, history))
	})

	t.Run("and across different events", func(t *testing.T) {
		set := conditions.Set{Operator: conditions.OperatorAnd, Conditions: []conditions.Condition{c, a}}
		assert.True(t, set.Evaluate(current, history))
	})

	t.Run("and with an unsatisfied condition", func(t *testing.T) {
		d := conditions.Condition{Type: conditions.TypePageVisit, Path: "/d"}
		set := conditions.Set{Operator: conditions.OperatorAnd, Conditions: []conditions.Condition{a, d}}
		assert.False(t, set.Evaluate(current, history))
	})

	t.Run("or only looks at the current event", func(t *testing.T) {
		set := conditions.Set{Operator: conditions.OperatorOr, Conditions: []conditions.Condition{a, b}}
		assert.False(t, set.Evaluate(current, history))

		set.Conditions = append(set.Conditions, c)
		assert.True(t, set.Evaluate(current, history))
	})

	t.Run("any matches the current event", func(t *testing.T) {
		set := conditions.Set{Operator: conditions.OperatorAny, Conditions: []conditions.Condition{c}}
		assert.True(t, set.Evaluate(current, nil))
	})
}
