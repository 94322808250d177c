package visitors

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/language"
)

const hashSeparator = "|"

// BuildVisitorHash derives the anonymous visitor identifier. The inputs are
// only hashed, never stored, and the salt rotates daily so the same browser
// gets a new identity every day.
func BuildVisitorHash(ipAddress, userAgent, screenResolution, lang, timezone, salt string) string {
	data := strings.Join([]string{
		salt,
		ipAddress,
		userAgent,
		screenResolution,
		canonicalLanguage(lang),
		timezone,
	}, hashSeparator)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// canonicalLanguage folds "en-us", "en_US" and "EN-US" into one tag so that
// header casing differences between requests do not split a visitor.
func canonicalLanguage(lang string) string {
	lang = strings.TrimSpace(strings.ReplaceAll(lang, "_", "-"))
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return strings.ToLower(lang)
	}
	return tag.String()
}

// Hasher derives visitor hashes with the provider's current salt.
type Hasher struct {
	salts *SaltProvider
}

// NewHasher returns a Hasher bound to provider.
func NewHasher(provider *SaltProvider) *Hasher {
	return &Hasher{salts: provider}
}

// Hash derives the visitor hash for the current salt.
func (h *Hasher) Hash(ipAddress, userAgent, screenResolution, lang, timezone string) string {
	return BuildVisitorHash(ipAddress, userAgent, screenResolution, lang, timezone, h.salts.Current().Value)
}
