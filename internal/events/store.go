package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"pulse/internal/models"
)

// Insert stores a new event and fills in its ID.
func Insert(logger *slog.Logger, db *gorm.DB, event *Event) error {
	return models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		return InsertTx(tx, event)
	})
}

// InsertTx stores a new event inside an open write transaction.
func InsertTx(tx *gorm.DB, event *Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := tx.Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// SessionEvents returns every event of a session, oldest first.
func SessionEvents(ctx context.Context, db *gorm.DB, sessionID string) ([]Event, error) {
	var history []Event
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Find(&history).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events for session %s: %w", sessionID, err)
	}
	return history, nil
}

// EventsForSessions loads the events of many sessions in one query, grouped
// by session and ordered oldest first within each group.
func EventsForSessions(ctx context.Context, db *gorm.DB, sessionIDs []string) (map[string][]Event, error) {
	grouped := make(map[string][]Event, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return grouped, nil
	}

	var rows []Event
	err := db.WithContext(ctx).
		Where("session_id IN ?", sessionIDs).
		Order("session_id ASC, timestamp ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %d sessions: %w", len(sessionIDs), err)
	}

	for _, row := range rows {
		grouped[row.SessionID] = append(grouped[row.SessionID], row)
	}
	return grouped, nil
}

// InWindow returns a site's events with timestamps in [from, to].
func InWindow(ctx context.Context, db *gorm.DB, siteID uint, from, to time.Time, limit int) ([]Event, error) {
	query := db.WithContext(ctx).
		Where("site_id = ? AND timestamp BETWEEN ? AND ?", siteID, from.UTC(), to.UTC()).
		Order("timestamp ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []Event
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load events for site %d: %w", siteID, err)
	}
	return rows, nil
}

// CountInWindow counts a site's events in [from, to].
func CountInWindow(ctx context.Context, db *gorm.DB, siteID uint, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Event{}).
		Where("site_id = ? AND timestamp BETWEEN ? AND ?", siteID, from.UTC(), to.UTC()).
		Count(&count).Error
	return count, err
}

// MarkExit makes event the session's exit event and clears the flag on every
// other event of that session. It runs in its own transaction, separate from
// the session upsert, so two concurrent writers can briefly leave two events
// flagged; the next event of the session corrects it.
func MarkExit(logger *slog.Logger, db *gorm.DB, event *Event) error {
	err := models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		if err := tx.Exec(
			"UPDATE events SET is_exit = ? WHERE session_id = ? AND is_exit = ? AND id <> ?",
			false, event.SessionID, true, event.ID,
		).Error; err != nil {
			return err
		}
		return tx.Exec("UPDATE events SET is_exit = ? WHERE id = ?", true, event.ID).Error
	})
	if err != nil {
		return fmt.Errorf("failed to mark exit event %d: %w", event.ID, err)
	}
	event.IsExit = true
	return nil
}
