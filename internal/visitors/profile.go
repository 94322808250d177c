package visitors

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

// VisitorProfile is the lifetime aggregate of one visitor hash on one site.
// FirstTouch is written once; Last is overwritten by every event.
type VisitorProfile struct {
	ID                 uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID             uint               `gorm:"uniqueIndex:idx_visitor_profiles_site_visitor;not null" json:"site_id"`
	VisitorID          string             `gorm:"uniqueIndex:idx_visitor_profiles_site_visitor;size:64;not null" json:"visitor_id"`
	FirstSeenAt        time.Time          `gorm:"not null" json:"first_seen_at"`
	LastSeenAt         time.Time          `gorm:"index;not null" json:"last_seen_at"`
	TotalSessions      int                `gorm:"not null;default:0" json:"total_sessions"`
	TotalPageviews     int                `gorm:"not null;default:0" json:"total_pageviews"`
	TotalEvents        int                `gorm:"not null;default:0" json:"total_events"`
	TotalRevenue       float64            `gorm:"not null;default:0" json:"total_revenue"`
	TotalEngagedTimeMs int64              `gorm:"not null;default:0" json:"total_engaged_time_ms"`
	FirstLandingPath   string             `json:"first_landing_path"`
	FirstTouch         events.Attribution `gorm:"embedded;embeddedPrefix:first_" json:"first_touch"`
	Last               events.Device      `gorm:"embedded;embeddedPrefix:last_" json:"last"`
	CustomProps        datatypes.JSONMap  `json:"custom_props,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// UpsertVisitor folds event into the visitor's profile. isNewSession must be
// the IsEntry result of the session upsert for the same event; it is the only
// thing that advances TotalSessions on an existing profile.
func UpsertVisitor(logger *slog.Logger, db *gorm.DB, event *events.Event, isNewSession bool) error {
	err := models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return UpsertVisitorTx(tx, event, isNewSession)
	})
	if err != nil {
		logger.Error("Failed to upsert visitor",
			slog.Uint64("site_id", uint64(event.SiteID)),
			slog.String("session_id", event.SessionID),
			slog.Any("error", err))
		return err
	}
	return nil
}

// UpsertVisitorTx is UpsertVisitor inside an open write transaction.
func UpsertVisitorTx(tx *gorm.DB, event *events.Event, isNewSession bool) error {
	if event.VisitorHash == "" {
		return fmt.Errorf("event has no visitor hash")
	}

	fresh := newProfile(event)
	insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
	if insert.Error != nil {
		return fmt.Errorf("insert visitor: %w", insert.Error)
	}
	if insert.RowsAffected == 1 {
		return nil
	}

	var current VisitorProfile
	err := tx.Where("site_id = ? AND visitor_id = ?", event.SiteID, event.VisitorHash).
		First(&current).Error
	if err != nil {
		return fmt.Errorf("load visitor: %w", err)
	}

	applyToProfile(&current, event, isNewSession)
	return tx.Model(&VisitorProfile{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
		"last_seen_at":           current.LastSeenAt,
		"total_sessions":         current.TotalSessions,
		"total_pageviews":        current.TotalPageviews,
		"total_events":           current.TotalEvents,
		"total_revenue":          current.TotalRevenue,
		"total_engaged_time_ms":  current.TotalEngagedTimeMs,
		"last_device_type":       current.Last.DeviceType,
		"last_browser":           current.Last.Browser,
		"last_operating_system":  current.Last.OperatingSystem,
		"last_country":           current.Last.Country,
		"last_language":          current.Last.Language,
		"last_timezone":          current.Last.Timezone,
		"last_screen_resolution": current.Last.ScreenResolution,
		"custom_props":           current.CustomProps,
		"updated_at":             time.Now().UTC(),
	}).Error
}

func newProfile(event *events.Event) *VisitorProfile {
	p := &VisitorProfile{
		SiteID:             event.SiteID,
		VisitorID:          event.VisitorHash,
		FirstSeenAt:        event.Timestamp,
		LastSeenAt:         event.Timestamp,
		TotalSessions:      1,
		TotalEvents:        1,
		TotalRevenue:       event.Revenue,
		TotalEngagedTimeMs: event.EngagedTimeMs,
		FirstLandingPath:   event.Path,
		FirstTouch:         event.Attribution,
		Last:               event.Device,
		CustomProps:        customProps(event),
	}
	if event.IsPageView() {
		p.TotalPageviews = 1
	}
	return p
}

func applyToProfile(p *VisitorProfile, event *events.Event, isNewSession bool) {
	p.TotalEvents++
	if event.IsPageView() {
		p.TotalPageviews++
	}
	if isNewSession {
		p.TotalSessions++
	}
	p.TotalRevenue += event.Revenue
	p.TotalEngagedTimeMs += event.EngagedTimeMs

	if event.Timestamp.After(p.LastSeenAt) {
		p.LastSeenAt = event.Timestamp
	}
	p.Last = event.Device

	if props := customProps(event); len(props) > 0 {
		if p.CustomProps == nil {
			p.CustomProps = datatypes.JSONMap{}
		}
		for k, v := range props {
			p.CustomProps[k] = v
		}
	}
}

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

// ErrNotFound is returned when no profile exists for a visitor.
var ErrNotFound = errors.New("visitor profile not found")

// GetProfile loads a visitor's profile on a site.
func GetProfile(ctx context.Context, db *gorm.DB, siteID uint, visitorID string) (*VisitorProfile, error) {
	var p VisitorProfile
	err := db.WithContext(ctx).Where("site_id = ? AND visitor_id = ?", siteID, visitorID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
