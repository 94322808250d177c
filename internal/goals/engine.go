package goals

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"gorm.io/gorm"

	"pulse/internal/conditions"
	"pulse/internal/events"
	"pulse/internal/metrics"
)

// Notifier delivers conversion notifications. Notify must not block.
type Notifier interface {
	Notify(goal Goal, conversion Conversion)
}

// definition is an active goal with its conditions already parsed.
type definition struct {
	Goal
	set *conditions.Set
}

// Engine evaluates a site's goals against incoming events.
type Engine struct {
	db          *gorm.DB
	logger      *slog.Logger
	notifier    Notifier
	definitions *cache.Cache[string, []definition]
}

// NewEngine creates an Engine. Goal definitions are cached per site for ttl.
// notifier may be nil.
func NewEngine(db *gorm.DB, logger *slog.Logger, notifier Notifier, ttl time.Duration) *Engine {
	e := &Engine{
		db:       db,
		logger:   logger,
		notifier: notifier,
	}
	e.definitions = cache.NewCache[string, []definition](logger, ttl, e.loadDefinitions)
	return e
}

// loadDefinitions parses a site's active goals. Goals whose conditions do
// not parse are logged and left out so they can never match.
func (e *Engine) loadDefinitions(key string) ([]definition, error) {
	siteID, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid site key %q: %w", key, err)
	}

	goals, err := ActiveGoals(context.Background(), e.db, uint(siteID))
	if err != nil {
		return nil, err
	}

	defs := make([]definition, 0, len(goals))
	for _, g := range goals {
		set, err := g.ParseConditions()
		if err != nil {
			e.logger.Warn("Skipping goal with invalid conditions",
				slog.Uint64("goal_id", uint64(g.ID)),
				slog.Uint64("site_id", uint64(g.SiteID)),
				slog.Any("error", err))
			continue
		}
		defs = append(defs, definition{Goal: g, set: set})
	}
	return defs, nil
}

// Invalidate drops cached definitions so the next evaluation reloads them.
func (e *Engine) Invalidate() {
	e.definitions.Clear()
}

// Evaluate checks every active goal of the event's site and records the
// conversions it satisfies. Failures are logged per goal and never stop the
// remaining goals; the returned slice holds only newly written conversions.
func (e *Engine) Evaluate(ctx context.Context, event *events.Event) []Conversion {
	defs, err := e.definitions.Get(strconv.FormatUint(uint64(event.SiteID), 10))
	if err != nil {
		e.logger.Error("Failed to load goals",
			slog.Uint64("site_id", uint64(event.SiteID)),
			slog.String("session_id", event.SessionID),
			slog.Any("error", err))
		return nil
	}
	if len(defs) == 0 {
		return nil
	}

	history := e.historyLoader(ctx, event)
	m := metrics.Get()

	var recorded []Conversion
	for i := range defs {
		def := &defs[i]
		conversion, err := e.evaluateGoal(ctx, def, event, history)
		if err != nil {
			m.GoalFailures.Inc()
			e.logger.Error("Goal evaluation failed",
				slog.Uint64("goal_id", uint64(def.ID)),
				slog.String("session_id", event.SessionID),
				slog.Any("error", err))
			continue
		}
		if conversion == nil {
			continue
		}

		m.ConversionsRecorded.WithLabelValues(string(def.CountMode)).Inc()
		e.logger.Debug("Goal converted",
			slog.Uint64("goal_id", uint64(def.ID)),
			slog.String("session_id", event.SessionID),
			slog.Float64("revenue", conversion.Revenue))

		if e.notifier != nil && (def.WebhookURL != "" || def.SlackWebhookURL != "") {
			e.notifier.Notify(def.Goal, *conversion)
		}
		recorded = append(recorded, *conversion)
	}
	return recorded
}

func (e *Engine) evaluateGoal(ctx context.Context, def *definition, event *events.Event, history func() ([]events.Event, error)) (conversion *Conversion, err error) {
	defer func() {
		if r := recover(); r != nil {
			conversion = nil
			err = fmt.Errorf("panic evaluating goal: %v", r)
		}
	}()

	if def.CountMode == CountOncePerSession {
		exists, err := ConversionExists(ctx, e.db, def.ID, event.SessionID)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if exists {
			return nil, nil
		}
	}

	var sessionEvents []events.Event
	if def.set.NeedsHistory() {
		sessionEvents, err = history()
		if err != nil {
			return nil, fmt.Errorf("load session history: %w", err)
		}
	}
	if !def.set.Evaluate(event, sessionEvents) {
		return nil, nil
	}
	// Under every_time a satisfied compound goal converts again only on
	// events that match one of its conditions.
	if def.CountMode == CountEveryTime && def.set.NeedsHistory() && !conditions.MatchesAny(def.set.Conditions, event) {
		return nil, nil
	}

	c := newConversion(&def.Goal, event)
	created, err := recordConversion(e.logger, e.db, c)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return c, nil
}

// historyLoader returns a memoised loader for the session's chronological
// events, always including event itself.
func (e *Engine) historyLoader(ctx context.Context, event *events.Event) func() ([]events.Event, error) {
	var (
		loaded  bool
		history []events.Event
		loadErr error
	)
	return func() ([]events.Event, error) {
		if loaded {
			return history, loadErr
		}
		loaded = true
		history, loadErr = events.SessionEvents(ctx, e.db, event.SessionID)
		if loadErr != nil {
			return nil, loadErr
		}
		history = withCurrent(history, event)
		return history, nil
	}
}

// withCurrent appends event to history unless it was already persisted
// there, keeping chronological order.
func withCurrent(history []events.Event, event *events.Event) []events.Event {
	if event.ID != 0 {
		for i := range history {
			if history[i].ID == event.ID {
				return history
			}
		}
	}
	history = append(history, *event)
	slices.SortStableFunc(history, func(a, b events.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return history
}
