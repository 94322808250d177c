// Package user_agent classifies User-Agent headers into the coarse device,
// browser and operating system buckets the collector stores.
package user_agent

import (
	"strings"

	"pulse/internal/events"
	"pulse/internal/pkg/regexcache"
)

// Device types.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
	DeviceUnknown = events.UnknownDevice
)

type UserAgent struct {
	UserAgent string
	OS        string
	Browser   string
	Device    string
	Mobile    bool
	Tablet    bool
	Desktop   bool
	Bot       bool
}

type rule struct {
	pattern string
	name    string
}

// Order matters: the first matching rule wins, so more specific browsers
// (Edge, Opera, Samsung Internet) precede the Chrome and Safari rules
// whose tokens they also carry.
var browserRules = []rule{
	{`(?i)\b(?:Edg|EdgA|EdgiOS)/\d`, "Edge"},
	{`(?i)\b(?:OPR|Opera|OPiOS)/\d`, "Opera"},
	{`(?i)\bSamsungBrowser/\d`, "Samsung Internet"},
	{`(?i)\bYaBrowser/\d`, "Yandex Browser"},
	{`(?i)\bVivaldi/\d`, "Vivaldi"},
	{`(?i)\b(?:Firefox|FxiOS)/\d`, "Firefox"},
	{`(?i)\bCriOS/\d`, "Chrome Mobile"},
	{`(?i)\bChrome/\d.*\bMobile\b`, "Chrome Mobile"},
	{`(?i)\b(?:Chrome|Chromium)/\d`, "Chrome"},
	{`(?i)\bVersion/\d.*\bMobile/.*\bSafari/`, "Mobile Safari"},
	{`(?i)\b(?:iPhone|iPad|iPod)\b.*\bAppleWebKit/`, "Mobile Safari"},
	{`(?i)\bVersion/\d.*\bSafari/`, "Safari"},
	{`(?i)\b(?:MSIE |Trident/)`, "Internet Explorer"},
}

var osRules = []rule{
	{`(?i)\biPad\b`, "iPadOS"},
	{`(?i)\b(?:iPhone|iPod)\b`, "iOS"},
	{`(?i)\bAndroid\b`, "Android"},
	{`(?i)\bCrOS\b`, "Chrome OS"},
	{`(?i)\bWindows Phone\b`, "Windows Phone"},
	{`(?i)\bWindows\b`, "Windows"},
	{`(?i)\bMac OS X\b|\bMacintosh\b`, "Mac"},
	{`(?i)\bUbuntu\b`, "Ubuntu"},
	{`(?i)\bLinux\b`, "GNU/Linux"},
}

var botPattern = `(?i)bot\b|crawl|spider|slurp|headless|lighthouse|curl/|wget/|python-requests|go-http-client|facebookexternalhit|bingpreview`

var patterns = regexcache.New()

func firstMatch(rules []rule, userAgent, fallback string) string {
	for _, r := range rules {
		if patterns.Match(r.pattern, userAgent) {
			return r.name
		}
	}
	return fallback
}

// IsBot reports whether the header belongs to a crawler or scripted client.
func IsBot(userAgent string) bool {
	return patterns.Match(botPattern, userAgent)
}

func parseDevice(userAgent string) (string, bool, bool, bool) {
	ua := strings.ToLower(userAgent)

	// Check for tablet indicators first (they often contain "mobile" too)
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") ||
		(strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")) {
		return DeviceTablet, false, true, false
	}

	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "blackberry") || strings.Contains(ua, "windows phone") {
		return DeviceMobile, true, false, false
	}

	return DeviceDesktop, false, false, true
}

func ParseUserAgent(userAgent string) UserAgent {
	if strings.TrimSpace(userAgent) == "" {
		return UserAgent{OS: events.UnknownOS, Browser: events.UnknownBrowser, Device: DeviceUnknown}
	}

	if IsBot(userAgent) {
		return UserAgent{
			UserAgent: userAgent,
			OS:        events.UnknownOS,
			Browser:   "Bot",
			Device:    DeviceBot,
			Bot:       true,
		}
	}

	device, mobile, tablet, desktop := parseDevice(userAgent)
	return UserAgent{
		UserAgent: userAgent,
		OS:        firstMatch(osRules, userAgent, events.UnknownOS),
		Browser:   firstMatch(browserRules, userAgent, events.UnknownBrowser),
		Device:    device,
		Mobile:    mobile,
		Tablet:    tablet,
		Desktop:   desktop,
	}
}
