// Package funnels measures how a cohort of sessions narrows across an
// ordered list of step conditions.
package funnels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"pulse/internal/conditions"
	"pulse/internal/models"
)

// MinSteps is the smallest funnel that measures a drop-off.
const MinSteps = 2

// ErrFunnelNotFound is returned when a funnel does not exist on the site.
var ErrFunnelNotFound = errors.New("funnel not found")

// Funnel is a stored funnel definition. WindowHours is kept with the
// definition; stats are computed over an explicit date range.
type Funnel struct {
	ID          uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID      uint        `gorm:"uniqueIndex:idx_funnels_site_name;not null" json:"site_id"`
	Name        string      `gorm:"uniqueIndex:idx_funnels_site_name;not null" json:"name"`
	Steps       models.JSON `gorm:"not null" json:"steps"`
	WindowHours int         `gorm:"not null;default:0" json:"window_hours"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Step is one named funnel condition.
type Step struct {
	Name                 string `json:"name" yaml:"name"`
	conditions.Condition `yaml:",inline"`
}

// ParseSteps decodes and validates the stored steps. Unnamed steps are
// called "Step N".
func (f *Funnel) ParseSteps() ([]Step, error) {
	var steps []Step
	if err := json.Unmarshal(f.Steps, &steps); err != nil {
		return nil, fmt.Errorf("funnel %q: invalid steps: %w", f.Name, err)
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, fmt.Errorf("funnel %q: %w", f.Name, err)
	}
	for i := range steps {
		if strings.TrimSpace(steps[i].Name) == "" {
			steps[i].Name = fmt.Sprintf("Step %d", i+1)
		}
	}
	return steps, nil
}

// ValidateSteps rejects funnels that are too short or contain unusable
// conditions.
func ValidateSteps(steps []Step) error {
	if len(steps) < MinSteps {
		return fmt.Errorf("a funnel needs at least %d steps, got %d", MinSteps, len(steps))
	}
	for i, step := range steps {
		if err := step.Condition.Validate(); err != nil {
			var verr *conditions.ValidationError
			if errors.As(err, &verr) {
				verr.Index = i
			}
			return err
		}
	}
	return nil
}

// SetSteps stores steps on f.
func (f *Funnel) SetSteps(steps []Step) error {
	raw, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	f.Steps = models.JSON(raw)
	return nil
}

// SaveFunnel validates f and creates or replaces the funnel with the same
// site and name. f.ID is filled in.
func SaveFunnel(logger *slog.Logger, db *gorm.DB, f *Funnel) error {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return fmt.Errorf("funnel name is required")
	}
	if f.SiteID == 0 {
		return fmt.Errorf("funnel %q: site id is required", f.Name)
	}
	if f.WindowHours < 0 {
		return fmt.Errorf("funnel %q: window hours cannot be negative", f.Name)
	}
	if _, err := f.ParseSteps(); err != nil {
		return err
	}

	err := models.PerformWrite(logger, db, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Exec(`
            INSERT INTO funnels (site_id, name, steps, window_hours, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(site_id, name) DO UPDATE SET
                steps = excluded.steps,
                window_hours = excluded.window_hours,
                updated_at = excluded.updated_at
        `, f.SiteID, f.Name, f.Steps, f.WindowHours, now, now).Error
		if err != nil {
			return err
		}
		return tx.Where("site_id = ? AND name = ?", f.SiteID, f.Name).First(f).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save funnel %q: %w", f.Name, err)
	}
	return nil
}

// GetFunnel loads a funnel that belongs to siteID.
func GetFunnel(ctx context.Context, db *gorm.DB, id, siteID uint) (*Funnel, error) {
	var f Funnel
	err := db.WithContext(ctx).Where("id = ? AND site_id = ?", id, siteID).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFunnelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFunnels returns a site's funnels by name.
func ListFunnels(ctx context.Context, db *gorm.DB, siteID uint) ([]Funnel, error) {
	var funnels []Funnel
	err := db.WithContext(ctx).Where("site_id = ?", siteID).Order("name ASC").Find(&funnels).Error
	return funnels, err
}
