// Package conditions defines the goal and funnel-step condition vocabulary
// and decides whether events satisfy it.
package conditions

import (
	"fmt"
	"strings"

	"pulse/internal/events"
	"pulse/internal/pkg/regexcache"
)

// Type discriminates the condition variants.
type Type string

const (
	TypePageVisit   Type = "page_visit"
	TypeEvent       Type = "event"
	TypeFormSubmit  Type = "form_submit"
	TypeScrollDepth Type = "scroll_depth"
	TypeTimeOnPage  Type = "time_on_page"
	TypeClick       Type = "click"
	TypeRevenue     Type = "revenue"
)

// MatchMode selects how a string field is compared.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

// Condition is a single predicate over one event. Which fields apply depends
// on Type; the rest are ignored.
type Condition struct {
	Type Type `json:"type" yaml:"type"`

	// page_visit, scroll_depth, time_on_page. For page_visit Match picks the
	// comparison; the other two treat Path as a glob where "*" is a wildcard.
	Path  string    `json:"path,omitempty" yaml:"path,omitempty"`
	Match MatchMode `json:"match,omitempty" yaml:"match,omitempty"`

	// event
	EventName     string    `json:"event_name,omitempty" yaml:"event_name,omitempty"`
	Property      string    `json:"property,omitempty" yaml:"property,omitempty"`
	PropertyValue string    `json:"property_value,omitempty" yaml:"property_value,omitempty"`
	PropertyMatch MatchMode `json:"property_match,omitempty" yaml:"property_match,omitempty"`

	// form_submit
	FormID string `json:"form_id,omitempty" yaml:"form_id,omitempty"`

	// scroll_depth
	MinPct int `json:"min_pct,omitempty" yaml:"min_pct,omitempty"`

	// time_on_page
	MinMs int64 `json:"min_ms,omitempty" yaml:"min_ms,omitempty"`

	// click
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`

	// revenue
	MinRevenue float64 `json:"min_revenue,omitempty" yaml:"min_revenue,omitempty"`
}

var patterns = regexcache.New()

// Matches reports whether event satisfies c. Unknown types, malformed
// patterns and missing fields all evaluate to false. Thresholds are inclusive.
func Matches(c Condition, event *events.Event) bool {
	if event == nil {
		return false
	}

	switch c.Type {
	case TypePageVisit:
		return event.IsPageView() && matchText(c.Match, c.Path, event.Path)

	case TypeEvent:
		if c.EventName == "" || event.EventName != c.EventName {
			return false
		}
		if c.Property == "" {
			return true
		}
		value, ok := event.DataString(c.Property)
		return ok && matchText(c.PropertyMatch, c.PropertyValue, value)

	case TypeFormSubmit:
		if event.EventType != events.EventTypeFormSubmit {
			return false
		}
		if c.FormID == "" {
			return true
		}
		formID, ok := event.DataString("form_id")
		return ok && formID == c.FormID

	case TypeScrollDepth:
		return matchGlob(c.Path, event.Path) && event.ScrollDepthPct >= c.MinPct

	case TypeTimeOnPage:
		return matchGlob(c.Path, event.Path) && event.EngagedTimeMs >= c.MinMs

	case TypeClick:
		if c.Selector == "" {
			return false
		}
		selector, ok := event.DataString("selector")
		return ok && matchText(c.Match, c.Selector, selector)

	case TypeRevenue:
		return event.Revenue > 0 && event.Revenue >= c.MinRevenue
	}

	return false
}

// MatchesAny reports whether at least one condition matches event.
func MatchesAny(list []Condition, event *events.Event) bool {
	for _, c := range list {
		if Matches(c, event) {
			return true
		}
	}
	return false
}

func matchText(mode MatchMode, want, got string) bool {
	switch mode {
	case "", MatchExact:
		return want != "" && got == want
	case MatchContains:
		return want != "" && strings.Contains(got, want)
	case MatchRegex:
		return want != "" && patterns.Match(want, got)
	}
	return false
}

// matchGlob treats an empty pattern as "any path".
func matchGlob(glob, path string) bool {
	if glob == "" {
		return true
	}
	if !strings.Contains(glob, "*") {
		return glob == path
	}
	return patterns.Match(regexcache.GlobPattern(glob), path)
}

// Validate reports the first problem that would make c unusable.
func (c Condition) Validate() error {
	switch c.Type {
	case TypePageVisit:
		if c.Path == "" {
			return fieldError(c, "path", "is required")
		}
		if err := validateMode(c, "match", c.Match, c.Path); err != nil {
			return err
		}
	case TypeEvent:
		if c.EventName == "" {
			return fieldError(c, "event_name", "is required")
		}
		if c.Property != "" {
			if err := validateMode(c, "property_match", c.PropertyMatch, c.PropertyValue); err != nil {
				return err
			}
		}
	case TypeFormSubmit:
	case TypeScrollDepth:
		if c.MinPct < 0 || c.MinPct > 100 {
			return fieldError(c, "min_pct", "must be between 0 and 100")
		}
	case TypeTimeOnPage:
		if c.MinMs < 0 {
			return fieldError(c, "min_ms", "must not be negative")
		}
	case TypeClick:
		if c.Selector == "" {
			return fieldError(c, "selector", "is required")
		}
		if err := validateMode(c, "match", c.Match, c.Selector); err != nil {
			return err
		}
	case TypeRevenue:
		if c.MinRevenue < 0 {
			return fieldError(c, "min_revenue", "must not be negative")
		}
	default:
		return fieldError(c, "type", "is not supported")
	}
	return nil
}

func validateMode(c Condition, field string, mode MatchMode, pattern string) error {
	switch mode {
	case "", MatchExact, MatchContains:
		return nil
	case MatchRegex:
		if _, err := patterns.Get(pattern); err != nil {
			return fieldError(c, field, fmt.Sprintf("invalid regex %q: %v", pattern, err))
		}
		return nil
	}
	return fieldError(c, field, fmt.Sprintf("unknown match mode %q", mode))
}

func fieldError(c Condition, field, reason string) error {
	return &ValidationError{Type: c.Type, Field: field, Reason: reason}
}

// ValidationError describes a malformed condition or condition set.
type ValidationError struct {
	Index  int
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("conditions: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("conditions[%d] (%s): %s %s", e.Index, e.Type, e.Field, e.Reason)
}
