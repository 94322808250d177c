package events

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// EventType represents the type of event.
type EventType string

const (
	EventTypePageView      EventType = "pageview"
	EventTypeCustom        EventType = "custom"
	EventTypeFormSubmit    EventType = "form_submit"
	EventTypeFormAbandon   EventType = "form_abandon"
	EventTypeOutboundClick EventType = "outbound_click"
	EventTypeFileDownload  EventType = "file_download"
	EventTypeScrollDepth   EventType = "scroll_depth"
	EventTypeRageClick     EventType = "rage_click"
	EventTypeDeadClick     EventType = "dead_click"
	EventTypeError         EventType = "error"
	EventTypeEcommerce     EventType = "ecommerce"
)

var knownEventTypes = map[EventType]bool{
	EventTypePageView:      true,
	EventTypeCustom:        true,
	EventTypeFormSubmit:    true,
	EventTypeFormAbandon:   true,
	EventTypeOutboundClick: true,
	EventTypeFileDownload:  true,
	EventTypeScrollDepth:   true,
	EventTypeRageClick:     true,
	EventTypeDeadClick:     true,
	EventTypeError:         true,
	EventTypeEcommerce:     true,
}

// IsKnown reports whether t is one of the event types the collector accepts.
func (t EventType) IsKnown() bool {
	return knownEventTypes[t]
}

// Attribution is the traffic-source snapshot captured with an event.
// Sessions and visitor profiles embed it as their first-touch attribution.
type Attribution struct {
	ReferrerHostname string `gorm:"index" json:"referrer_hostname,omitempty"`
	UTMSource        string `json:"utm_source,omitempty"`
	UTMMedium        string `json:"utm_medium,omitempty"`
	UTMCampaign      string `json:"utm_campaign,omitempty"`
	UTMTerm          string `json:"utm_term,omitempty"`
	UTMContent       string `json:"utm_content,omitempty"`
}

// Device is the device, geo and locale snapshot captured with an event.
type Device struct {
	DeviceType       string `json:"device_type,omitempty"`
	Browser          string `json:"browser,omitempty"`
	OperatingSystem  string `json:"operating_system,omitempty"`
	Country          string `json:"country,omitempty"`
	Language         string `json:"language,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
}

// Event is an immutable interaction fact. Only IsExit is rewritten after
// insert, by the exit-marker correction.
type Event struct {
	ID             uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	SiteID         uint              `gorm:"index:idx_events_site_timestamp;not null" json:"site_id"`
	SessionID      string            `gorm:"index:idx_events_session_timestamp;size:64;not null" json:"session_id"`
	VisitorHash    string            `gorm:"index;size:64;not null" json:"visitor_hash"`
	EventType      EventType         `gorm:"size:32;not null;default:pageview" json:"event_type"`
	EventName      string            `gorm:"index" json:"event_name,omitempty"`
	EventData      datatypes.JSONMap `json:"event_data,omitempty"`
	Path           string            `gorm:"not null;default:/" json:"path"`
	ScrollDepthPct int               `json:"scroll_depth_pct,omitempty"`
	EngagedTimeMs  int64             `json:"engaged_time_ms,omitempty"`
	TimeOnPageMs   int64             `json:"time_on_page_ms,omitempty"`
	Revenue        float64           `json:"revenue,omitempty"`
	Currency       string            `gorm:"size:3" json:"currency,omitempty"`
	Attribution    `gorm:"embedded"`
	Device         `gorm:"embedded"`
	IsExit         bool      `gorm:"not null;default:false" json:"is_exit"`
	Timestamp      time.Time `gorm:"index:idx_events_site_timestamp;index:idx_events_session_timestamp;not null" json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsPageView reports whether the event counts towards pageview totals.
func (e *Event) IsPageView() bool {
	return e.EventType == EventTypePageView
}

// DataString returns event_data[key] rendered as a string.
func (e *Event) DataString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}
