// Package geoip resolves client IPs to ISO country codes. A missing
// database disables lookups instead of failing startup.
package geoip

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"

	"pulse/internal/events"
)

var (
	countriesOnce sync.Once
	countries     *gountries.Query
)

func countryQuery() *gountries.Query {
	countriesOnce.Do(func() {
		countries = gountries.New()
	})
	return countries
}

// Resolver looks up countries in a GeoLite2/GeoIP2 country database.
type Resolver struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	reader *geoip2.Reader
}

// Open loads the database at path. An empty or missing path yields a
// Resolver that always answers events.UnknownCountry.
func Open(path string, logger *slog.Logger) *Resolver {
	r := &Resolver{path: path, logger: logger}
	r.reader = r.open()
	return r
}

func (r *Resolver) open() *geoip2.Reader {
	if r.path == "" {
		r.logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		return nil
	}

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		r.logger.Info("GeoLite2 database not found - GeoIP features disabled",
			slog.String("path", r.path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil
	} else if err != nil {
		r.logger.Warn("Error checking GeoLite2 database file",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	reader, err := geoip2.Open(r.path)
	if err != nil {
		r.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Info("GeoLite2 database initialized successfully", slog.String("path", r.path))
	return reader
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Country returns the lowercase ISO alpha-2 code for ip.
func (r *Resolver) Country(ipAddress string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return events.UnknownCountry
	}

	ip := net.ParseIP(strings.TrimSpace(ipAddress))
	if ip == nil {
		return events.UnknownCountry
	}

	record, err := r.reader.Country(ip)
	if err != nil {
		r.logger.Debug("Error looking up country for IP", slog.Any("error", err))
		return events.UnknownCountry
	}
	return NormalizeCountry(record.Country.IsoCode)
}

// Reload reopens the database file, e.g. after it was replaced on disk.
func (r *Resolver) Reload() {
	reader := r.open()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		r.reader.Close()
	}
	r.reader = reader
}

// Close releases the database.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// NormalizeCountry maps an ISO alpha-2 or alpha-3 code to lowercase
// alpha-2. Codes that name no country become events.UnknownCountry.
func NormalizeCountry(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == "--" {
		return events.UnknownCountry
	}
	country, err := countryQuery().FindCountryByAlpha(code)
	if err != nil {
		return events.UnknownCountry
	}
	return strings.ToLower(country.Alpha2)
}
