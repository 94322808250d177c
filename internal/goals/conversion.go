package goals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulse/internal/events"
	"pulse/internal/models"
)

// Conversion is an append-only record of a goal satisfied by an event.
type Conversion struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	GoalID             uint   `gorm:"index:idx_goal_conversions_goal_session;not null" json:"goal_id"`
	SiteID             uint   `gorm:"index;not null" json:"site_id"`
	SessionID          string `gorm:"index:idx_goal_conversions_goal_session;size:64;not null" json:"session_id"`
	VisitorHash        string `gorm:"size:64;not null" json:"visitor_hash"`
	EventID            uint   `json:"event_id"`
	DedupKey           string `gorm:"uniqueIndex;not null" json:"-"`
	events.Attribution `gorm:"embedded"`
	ConversionPath     string    `json:"conversion_path"`
	Revenue            float64   `gorm:"not null;default:0" json:"revenue"`
	Currency           string    `gorm:"size:3" json:"currency,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// TableName keeps conversions next to their goals.
func (Conversion) TableName() string {
	return "goal_conversions"
}

// newConversion snapshots the triggering event for goal g.
func newConversion(g *Goal, event *events.Event) *Conversion {
	return &Conversion{
		GoalID:         g.ID,
		SiteID:         event.SiteID,
		SessionID:      event.SessionID,
		VisitorHash:    event.VisitorHash,
		EventID:        event.ID,
		DedupKey:       dedupKey(g, event),
		Attribution:    event.Attribution,
		ConversionPath: event.Path,
		Revenue:        g.ConversionRevenue(event),
		Currency:       event.Currency,
	}
}

// dedupKey makes the store reject a second once_per_session conversion for
// the same session, and a second every_time conversion for the same event.
func dedupKey(g *Goal, event *events.Event) string {
	if g.CountMode == CountEveryTime {
		eventRef := fmt.Sprintf("%d", event.ID)
		if event.ID == 0 {
			eventRef = fmt.Sprintf("t%d", event.Timestamp.UnixNano())
		}
		return fmt.Sprintf("%d:%s:%s", g.ID, event.SessionID, eventRef)
	}
	return fmt.Sprintf("%d:%s", g.ID, event.SessionID)
}

// recordConversion inserts c unless its dedup key already exists. It
// reports whether a row was written.
func recordConversion(logger *slog.Logger, db *gorm.DB, c *Conversion) (bool, error) {
	var created bool
	err := models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record conversion: %w", err)
	}
	return created, nil
}

// ConversionExists reports whether goalID already converted in sessionID.
func ConversionExists(ctx context.Context, db *gorm.DB, goalID uint, sessionID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Conversion{}).
		Where("goal_id = ? AND session_id = ?", goalID, sessionID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConversionsForGoal lists a goal's conversions, oldest first.
func ConversionsForGoal(ctx context.Context, db *gorm.DB, goalID uint) ([]Conversion, error) {
	var conversions []Conversion
	err := db.WithContext(ctx).
		Where("goal_id = ?", goalID).
		Order("created_at ASC, id ASC").
		Find(&conversions).Error
	return conversions, err
}
