// Package goals records conversions when session activity satisfies a
// site's goal definitions.
package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"pulse/internal/conditions"
	"pulse/internal/events"
	"pulse/internal/models"
)

// CountMode decides how often a goal may convert.
type CountMode string

const (
	CountOncePerSession CountMode = "once_per_session"
	CountEveryTime      CountMode = "every_time"
)

// Goal is a site's conversion definition. Goals are active unless Disabled.
type Goal struct {
	ID                uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID            uint        `gorm:"uniqueIndex:idx_goals_site_name;not null" json:"site_id"`
	Name              string      `gorm:"uniqueIndex:idx_goals_site_name;not null" json:"name"`
	GoalType          string      `gorm:"not null" json:"goal_type"`
	Conditions        models.JSON `gorm:"not null" json:"conditions"`
	RevenueValue      float64     `gorm:"not null;default:0" json:"revenue_value"`
	UseDynamicRevenue bool        `gorm:"not null;default:false" json:"use_dynamic_revenue"`
	CountMode         CountMode   `gorm:"size:32;not null;default:once_per_session" json:"count_mode"`
	WebhookURL        string      `json:"webhook_url,omitempty"`
	SlackWebhookURL   string      `json:"slack_webhook_url,omitempty"`
	Disabled          bool        `gorm:"not null;default:false" json:"disabled"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ErrGoalNotFound is returned for unknown goal ids.
var ErrGoalNotFound = errors.New("goal not found")

// ParseConditions decodes and validates the stored condition definition.
func (g *Goal) ParseConditions() (*conditions.Set, error) {
	set, err := conditions.ParseSet(g.Conditions)
	if err != nil {
		return nil, fmt.Errorf("goal %q: %w", g.Name, err)
	}
	return set, nil
}

// Validate normalises defaults and rejects definitions that could never be
// evaluated. It returns the parsed conditions.
func (g *Goal) Validate() (*conditions.Set, error) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return nil, fmt.Errorf("goal name is required")
	}
	if g.SiteID == 0 {
		return nil, fmt.Errorf("goal %q: site id is required", g.Name)
	}

	switch g.CountMode {
	case CountOncePerSession, CountEveryTime:
	case "":
		g.CountMode = CountOncePerSession
	default:
		return nil, fmt.Errorf("goal %q: unknown count mode %q", g.Name, g.CountMode)
	}
	if g.RevenueValue < 0 {
		return nil, fmt.Errorf("goal %q: revenue value cannot be negative", g.Name)
	}

	set, err := g.ParseConditions()
	if err != nil {
		return nil, err
	}
	if g.GoalType == "" {
		g.GoalType = goalType(set)
	}
	return set, nil
}

// goalType labels a goal after its single condition, or "compound".
func goalType(set *conditions.Set) string {
	if len(set.Conditions) == 1 {
		return string(set.Conditions[0].Type)
	}
	return "compound"
}

// ConversionRevenue is the revenue a conversion triggered by event is worth.
func (g *Goal) ConversionRevenue(event *events.Event) float64 {
	if g.UseDynamicRevenue {
		return event.Revenue
	}
	return g.RevenueValue
}

// SaveGoal validates g and creates or replaces the goal with the same site
// and name. g.ID is filled in.
func SaveGoal(logger *slog.Logger, db *gorm.DB, g *Goal) error {
	if _, err := g.Validate(); err != nil {
		return err
	}

	err := models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Exec(`
            INSERT INTO goals (site_id, name, goal_type, conditions, revenue_value, use_dynamic_revenue,
                count_mode, webhook_url, slack_webhook_url, disabled, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(site_id, name) DO UPDATE SET
                goal_type = excluded.goal_type,
                conditions = excluded.conditions,
                revenue_value = excluded.revenue_value,
                use_dynamic_revenue = excluded.use_dynamic_revenue,
                count_mode = excluded.count_mode,
                webhook_url = excluded.webhook_url,
                slack_webhook_url = excluded.slack_webhook_url,
                disabled = excluded.disabled,
                updated_at = excluded.updated_at
        `, g.SiteID, g.Name, g.GoalType, g.Conditions, g.RevenueValue, g.UseDynamicRevenue,
			g.CountMode, g.WebhookURL, g.SlackWebhookURL, g.Disabled, now, now).Error
		if err != nil {
			return err
		}
		return tx.Where("site_id = ? AND name = ?", g.SiteID, g.Name).First(g).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save goal %q: %w", g.Name, err)
	}
	return nil
}

// ActiveGoals returns a site's active goals in id order.
func ActiveGoals(ctx context.Context, db *gorm.DB, siteID uint) ([]Goal, error) {
	var goals []Goal
	err := db.WithContext(ctx).
		Where("site_id = ? AND disabled = ?", siteID, false).
		Order("id ASC").
		Find(&goals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load goals for site %d: %w", siteID, err)
	}
	return goals, nil
}

// GetGoal loads a goal by id.
func GetGoal(ctx context.Context, db *gorm.DB, id uint) (*Goal, error) {
	var g Goal
	err := db.WithContext(ctx).First(&g, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGoalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
