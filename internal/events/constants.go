package events

// Placeholder values stored when a dimension cannot be determined.
const (
	DirectReferrer = "direct"
	UnknownDevice  = "unknown"
	UnknownBrowser = "unknown"
	UnknownOS      = "unknown"
	UnknownCountry = "unknown"
)

// UTM query parameters read from page URLs.
const (
	ParamUTMSource   = "utm_source"
	ParamUTMMedium   = "utm_medium"
	ParamUTMCampaign = "utm_campaign"
	ParamUTMTerm     = "utm_term"
	ParamUTMContent  = "utm_content"
)
