// Package tracking runs the per-event pipeline: store the event, fold it
// into its session and visitor, then evaluate goals in the background.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"pulse/internal/events"
	"pulse/internal/goals"
	"pulse/internal/metrics"
	"pulse/internal/models"
	"pulse/internal/sessions"
	"pulse/internal/visitors"
)

// ErrInvalidEvent wraps every validation failure returned by Track.
var ErrInvalidEvent = errors.New("invalid event")

// GoalEvaluator evaluates goals for a stored event.
type GoalEvaluator interface {
	Evaluate(ctx context.Context, event *events.Event) []goals.Conversion
}

// Outcome reports what a tracked event did to its session.
type Outcome struct {
	EventID  uint `json:"event_id"`
	IsEntry  bool `json:"is_entry"`
	IsBounce bool `json:"is_bounce"`
}

type Tracker struct {
	db     *gorm.DB
	logger *slog.Logger
	goals  GoalEvaluator
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker. evaluator may be nil to skip goals.
func NewTracker(db *gorm.DB, logger *slog.Logger, evaluator GoalEvaluator) *Tracker {
	return &Tracker{db: db, logger: logger, goals: evaluator}
}

// Track processes one event. The event row, its session and its visitor
// profile are written in one transaction, so a failure leaves none of them
// behind. Goal evaluation continues after Track returns and its failures are
// only logged.
func (t *Tracker) Track(ctx context.Context, event *events.Event) (*Outcome, error) {
	if err := normalize(event); err != nil {
		return nil, err
	}
	m := metrics.Get()

	var (
		session *sessions.UpsertResult
		stage   string
	)
	err := models.PerformWrite(t.logger, t.db, func(tx *gorm.DB) error {
		stage = "insert"
		event.ID = 0 // a retried transaction inserts again
		if err := events.InsertTx(tx, event); err != nil {
			return err
		}

		stage = "session"
		var err error
		session, err = sessions.UpsertSessionTx(tx, event)
		if err != nil {
			return err
		}

		stage = "visitor"
		return visitors.UpsertVisitorTx(tx, event, session.IsEntry)
	})
	if err != nil {
		m.TrackFailures.WithLabelValues(stage).Inc()
		t.logger.Error("Failed to track event",
			slog.Uint64("site_id", uint64(event.SiteID)),
			slog.String("session_id", event.SessionID),
			slog.String("stage", stage),
			slog.Any("error", err))
		event.ID = 0
		return nil, err
	}
	if session.IsEntry {
		m.SessionsStarted.Inc()
	}

	if err := events.MarkExit(t.logger, t.db, event); err != nil {
		t.logger.Warn("Failed to correct exit event",
			slog.String("session_id", event.SessionID),
			slog.Any("error", err))
	}

	m.EventsTracked.WithLabelValues(string(event.EventType)).Inc()

	if t.goals != nil {
		t.evaluateGoals(ctx, *event)
	}

	return &Outcome{EventID: event.ID, IsEntry: session.IsEntry, IsBounce: session.IsBounce}, nil
}

func (t *Tracker) evaluateGoals(ctx context.Context, event events.Event) {
	ctx = context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("Goal evaluation panicked",
					slog.String("session_id", event.SessionID),
					slog.Any("panic", r))
			}
		}()
		t.goals.Evaluate(ctx, &event)
	}()
}

// Wait blocks until every background goal evaluation has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// normalize fills defaults and rejects events the aggregates cannot use.
func normalize(event *events.Event) error {
	if event == nil {
		return fmt.Errorf("%w: missing event", ErrInvalidEvent)
	}
	if event.SiteID == 0 {
		return fmt.Errorf("%w: site_id is required", ErrInvalidEvent)
	}
	event.SessionID = strings.TrimSpace(event.SessionID)
	if event.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidEvent)
	}
	if len(event.SessionID) > 64 {
		return fmt.Errorf("%w: session_id is too long", ErrInvalidEvent)
	}
	if event.VisitorHash == "" {
		return fmt.Errorf("%w: visitor hash is required", ErrInvalidEvent)
	}

	if event.EventType == "" {
		event.EventType = events.EventTypePageView
	}
	if !event.EventType.IsKnown() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, event.EventType)
	}
	if event.ScrollDepthPct < 0 || event.ScrollDepthPct > 100 {
		return fmt.Errorf("%w: scroll_depth_pct must be between 0 and 100", ErrInvalidEvent)
	}
	if event.EngagedTimeMs < 0 || event.TimeOnPageMs < 0 || event.Revenue < 0 {
		return fmt.Errorf("%w: timings and revenue cannot be negative", ErrInvalidEvent)
	}

	if event.Path == "" {
		event.Path = "/"
	}
	if event.ReferrerHostname == "" {
		event.ReferrerHostname = events.DirectReferrer
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	event.IsExit = false
	return nil
}
