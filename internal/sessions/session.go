// Package sessions maintains the per-session aggregate built from events.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulse/internal/events"
	"pulse/internal/models"
)

// Session is the running aggregate of one session's events.
type Session struct {
	ID                 string            `gorm:"primaryKey;size:64" json:"id"`
	SiteID             uint              `gorm:"index:idx_sessions_site_started;not null" json:"site_id"`
	VisitorHash        string            `gorm:"index;size:64;not null" json:"visitor_hash"`
	StartedAt          time.Time         `gorm:"index:idx_sessions_site_started;not null" json:"started_at"`
	EndedAt            time.Time         `gorm:"not null" json:"ended_at"`
	DurationMs         int64             `gorm:"not null;default:0" json:"duration_ms"`
	EngagedTimeMs      int64             `gorm:"not null;default:0" json:"engaged_time_ms"`
	Pageviews          int               `gorm:"not null;default:0" json:"pageviews"`
	EventsCount        int               `gorm:"not null;default:0" json:"events_count"`
	IsBounce           bool              `gorm:"not null;default:true" json:"is_bounce"`
	EntryPath          string            `json:"entry_path"`
	ExitPath           string            `json:"exit_path"`
	TotalRevenue       float64           `gorm:"not null;default:0" json:"total_revenue"`
	CustomProps        datatypes.JSONMap `json:"custom_props,omitempty"`
	events.Attribution `gorm:"embedded"`
	events.Device      `gorm:"embedded"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UpsertResult reports how an event changed its session.
type UpsertResult struct {
	IsEntry  bool
	IsBounce bool
}

// UpsertSession folds event into its session inside one write transaction.
func UpsertSession(logger *slog.Logger, db *gorm.DB, event *events.Event) (*UpsertResult, error) {
	var result *UpsertResult
	err := models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		var err error
		result, err = UpsertSessionTx(tx, event)
		return err
	})
	if err != nil {
		logger.Error("Failed to upsert session",
			slog.String("session_id", event.SessionID),
			slog.Any("error", err))
		return nil, err
	}
	return result, nil
}

// UpsertSessionTx is UpsertSession inside an open write transaction. The
// first event creates the row and is the entry; a concurrent writer that
// loses the insert race falls through to the update path instead of adding a
// second row.
func UpsertSessionTx(tx *gorm.DB, event *events.Event) (*UpsertResult, error) {
	if event.SessionID == "" {
		return nil, fmt.Errorf("event has no session id")
	}

	fresh := newSession(event)
	insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
	if insert.Error != nil {
		return nil, fmt.Errorf("insert session: %w", insert.Error)
	}
	if insert.RowsAffected == 1 {
		return &UpsertResult{IsEntry: true, IsBounce: true}, nil
	}

	var current Session
	if err := tx.Where("id = ?", event.SessionID).First(&current).Error; err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	apply(&current, event)
	err := tx.Model(&Session{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
		"ended_at":        current.EndedAt,
		"duration_ms":     current.DurationMs,
		"engaged_time_ms": current.EngagedTimeMs,
		"pageviews":       current.Pageviews,
		"events_count":    current.EventsCount,
		"is_bounce":       current.IsBounce,
		"exit_path":       current.ExitPath,
		"total_revenue":   current.TotalRevenue,
		"custom_props":    current.CustomProps,
		"updated_at":      time.Now().UTC(),
	}).Error
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	return &UpsertResult{IsEntry: false, IsBounce: current.IsBounce}, nil
}

func newSession(event *events.Event) *Session {
	s := &Session{
		ID:            event.SessionID,
		SiteID:        event.SiteID,
		VisitorHash:   event.VisitorHash,
		StartedAt:     event.Timestamp,
		EndedAt:       event.Timestamp,
		EngagedTimeMs: event.EngagedTimeMs,
		EventsCount:   1,
		IsBounce:      true,
		EntryPath:     event.Path,
		ExitPath:      event.Path,
		TotalRevenue:  event.Revenue,
		CustomProps:   customProps(event),
		Attribution:   event.Attribution,
		Device:        event.Device,
	}
	if event.IsPageView() {
		s.Pageviews = 1
	}
	return s
}

// apply advances an existing session by one event.
func apply(s *Session, event *events.Event) {
	if event.IsPageView() {
		s.Pageviews++
	}
	s.EventsCount++

	if event.Timestamp.After(s.EndedAt) {
		s.EndedAt = event.Timestamp
	}
	s.DurationMs = s.EndedAt.Sub(s.StartedAt).Milliseconds()
	if s.DurationMs < 0 {
		s.DurationMs = 0
	}

	s.IsBounce = s.Pageviews <= 1
	s.EngagedTimeMs += event.EngagedTimeMs
	s.TotalRevenue += event.Revenue
	s.ExitPath = event.Path

	if props := customProps(event); len(props) > 0 {
		if s.CustomProps == nil {
			s.CustomProps = datatypes.JSONMap{}
		}
		for k, v := range props {
			s.CustomProps[k] = v
		}
	}
}

// customProps are the properties of custom events; other event types carry
// technical payloads (selectors, form ids) that are not session properties.
func customProps(event *events.Event) datatypes.JSONMap {
	if event.EventType != events.EventTypeCustom || len(event.EventData) == 0 {
		return nil
	}
	props := make(datatypes.JSONMap, len(event.EventData))
	for k, v := range event.EventData {
		props[k] = v
	}
	return props
}

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Get loads a session by id.
func Get(ctx context.Context, db *gorm.DB, id string) (*Session, error) {
	var s Session
	err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// IDsStartedBetween returns the ids of a site's sessions whose first event
// falls within [from, to], oldest first.
func IDsStartedBetween(ctx context.Context, db *gorm.DB, siteID uint, from, to time.Time) ([]string, error) {
	// Timestamps are stored as UTC text, so bounds must be UTC to compare.
	from, to = from.UTC(), to.UTC()

	var ids []string
	err := db.WithContext(ctx).Model(&Session{}).
		Where("site_id = ? AND started_at BETWEEN ? AND ?", siteID, from, to).
		Order("started_at ASC, id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load session cohort for site %d: %w", siteID, err)
	}
	return ids, nil
}
