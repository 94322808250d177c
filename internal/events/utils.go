package events

import (
	"fmt"
	"net/url"
	"strings"
)

// Page is a tracked page URL split into the parts an event stores.
type Page struct {
	Hostname    string
	Path        string
	Attribution Attribution
}

// ParsePage extracts the hostname, path and UTM parameters from a page URL.
func ParsePage(rawURL string) (*Page, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL provided")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("URL missing hostname")
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}

	query := parsed.Query()
	return &Page{
		Hostname: strings.ToLower(hostname),
		Path:     path,
		Attribution: Attribution{
			UTMSource:   query.Get(ParamUTMSource),
			UTMMedium:   query.Get(ParamUTMMedium),
			UTMCampaign: query.Get(ParamUTMCampaign),
			UTMTerm:     query.Get(ParamUTMTerm),
			UTMContent:  query.Get(ParamUTMContent),
		},
	}, nil
}

// ReferrerHostname returns the referring host for attribution. Empty,
// unparsable and same-site referrers all count as direct traffic.
func ReferrerHostname(referrerURL, pageHostname string) string {
	if referrerURL == "" {
		return DirectReferrer
	}
	parsed, err := url.Parse(referrerURL)
	if err != nil || parsed.Hostname() == "" {
		return DirectReferrer
	}

	hostname := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if IsSelfReferral(hostname, strings.TrimPrefix(pageHostname, "www.")) {
		return DirectReferrer
	}
	return hostname
}

// IsSelfReferral checks if a hostname matches the website domain.
// Only exact domain matches are considered self-referrals.
func IsSelfReferral(hostname, websiteDomain string) bool {
	if hostname == "" || websiteDomain == "" {
		return false
	}
	return strings.EqualFold(hostname, websiteDomain)
}
