// Package definitions loads goal and funnel definitions from YAML and
// stores them once they all validate.
package definitions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"pulse/internal/funnels"
	"pulse/internal/goals"
	"pulse/internal/models"
)

// File is the top-level document.
type File struct {
	Goals   []GoalDefinition   `yaml:"goals"`
	Funnels []FunnelDefinition `yaml:"funnels"`
}

type GoalDefinition struct {
	SiteID            uint            `yaml:"site_id"`
	Name              string          `yaml:"name"`
	GoalType          string          `yaml:"goal_type"`
	CountMode         goals.CountMode `yaml:"count_mode"`
	RevenueValue      float64         `yaml:"revenue_value"`
	UseDynamicRevenue bool            `yaml:"use_dynamic_revenue"`
	WebhookURL        string          `yaml:"webhook_url"`
	SlackWebhookURL   string          `yaml:"slack_webhook_url"`
	Active            *bool           `yaml:"active"`
	// Conditions is a list (any-match), a single condition, or a mapping
	// with operator and conditions.
	Conditions any `yaml:"conditions"`
}

type FunnelDefinition struct {
	SiteID      uint           `yaml:"site_id"`
	Name        string         `yaml:"name"`
	WindowHours int            `yaml:"window_hours"`
	Steps       []funnels.Step `yaml:"steps"`
}

// Summary counts what Apply stored.
type Summary struct {
	Goals   int
	Funnels int
}

// LoadFile reads and parses a definitions file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a definitions document. Unknown keys are rejected so that
// typos do not silently drop a condition.
func Parse(data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	return &f, nil
}

// Build converts the document into models and validates every definition.
// All problems are reported together.
func (f *File) Build() ([]goals.Goal, []funnels.Funnel, error) {
	var errs []error
	seenGoals := map[string]bool{}
	seenFunnels := map[string]bool{}

	goalModels := make([]goals.Goal, 0, len(f.Goals))
	for i, def := range f.Goals {
		g, err := def.model()
		if err == nil {
			_, err = g.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("goals[%d]: %w", i, err))
			continue
		}
		key := fmt.Sprintf("%d/%s", g.SiteID, g.Name)
		if seenGoals[key] {
			errs = append(errs, fmt.Errorf("goals[%d]: duplicate goal %q for site %d", i, g.Name, g.SiteID))
			continue
		}
		seenGoals[key] = true
		goalModels = append(goalModels, g)
	}

	funnelModels := make([]funnels.Funnel, 0, len(f.Funnels))
	for i, def := range f.Funnels {
		fn, err := def.model()
		if err == nil {
			_, err = fn.ParseSteps()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("funnels[%d]: %w", i, err))
			continue
		}
		key := fmt.Sprintf("%d/%s", fn.SiteID, fn.Name)
		if seenFunnels[key] {
			errs = append(errs, fmt.Errorf("funnels[%d]: duplicate funnel %q for site %d", i, fn.Name, fn.SiteID))
			continue
		}
		seenFunnels[key] = true
		funnelModels = append(funnelModels, fn)
	}

	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return goalModels, funnelModels, nil
}

func (d GoalDefinition) model() (goals.Goal, error) {
	raw, err := json.Marshal(d.Conditions)
	if err != nil {
		return goals.Goal{}, fmt.Errorf("goal %q: conditions cannot be encoded: %w", d.Name, err)
	}
	return goals.Goal{
		SiteID:            d.SiteID,
		Name:              d.Name,
		GoalType:          d.GoalType,
		Conditions:        models.JSON(raw),
		RevenueValue:      d.RevenueValue,
		UseDynamicRevenue: d.UseDynamicRevenue,
		CountMode:         d.CountMode,
		WebhookURL:        d.WebhookURL,
		SlackWebhookURL:   d.SlackWebhookURL,
		Disabled:          d.Active != nil && !*d.Active,
	}, nil
}

func (d FunnelDefinition) model() (funnels.Funnel, error) {
	fn := funnels.Funnel{SiteID: d.SiteID, Name: d.Name, WindowHours: d.WindowHours}
	if err := fn.SetSteps(d.Steps); err != nil {
		return funnels.Funnel{}, fmt.Errorf("funnel %q: steps cannot be encoded: %w", d.Name, err)
	}
	return fn, nil
}

// Apply validates the whole document first and then upserts every goal and
// funnel by site and name. Nothing is written when any definition is invalid.
func Apply(logger *slog.Logger, db *gorm.DB, f *File) (*Summary, error) {
	goalModels, funnelModels, err := f.Build()
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for i := range goalModels {
		if err := goals.SaveGoal(logger, db, &goalModels[i]); err != nil {
			return summary, err
		}
		summary.Goals++
	}
	for i := range funnelModels {
		if err := funnels.SaveFunnel(logger, db, &funnelModels[i]); err != nil {
			return summary, err
		}
		summary.Funnels++
	}

	logger.Info("Definitions loaded",
		slog.Int("goals", summary.Goals),
		slog.Int("funnels", summary.Funnels))
	return summary, nil
}

// ApplyFile loads path and applies it.
func ApplyFile(logger *slog.Logger, db *gorm.DB, path string) (*Summary, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Apply(logger, db, f)
}
