package visitors

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"pulse/internal/settings"
)

// Salt is the secret mixed into every visitor hash. Version increases on
// every rotation; version 0 is the configured fallback.
type Salt struct {
	Value     string    `json:"value"`
	Version   int       `json:"version"`
	RotatedAt time.Time `json:"rotated_at"`
}

// IsStale reports whether the salt was rotated before the UTC day of now.
func (s Salt) IsStale(now time.Time) bool {
	midnight := now.UTC().Truncate(24 * time.Hour)
	return s.RotatedAt.Before(midnight)
}

// SaltProvider holds the process-wide current salt. Readers never block and
// always see a complete Salt.
type SaltProvider struct {
	current atomic.Pointer[Salt]
}

// NewSaltProvider returns a provider seeded with initial.
func NewSaltProvider(initial Salt) *SaltProvider {
	p := &SaltProvider{}
	p.Set(initial)
	return p
}

// Current returns the salt in use.
func (p *SaltProvider) Current() Salt {
	return *p.current.Load()
}

// Set replaces the salt atomically.
func (p *SaltProvider) Set(s Salt) {
	p.current.Store(&s)
}

// LoadSalt reads the persisted salt. Storage problems are logged and the
// fallback value is returned instead, so startup never depends on it.
func LoadSalt(ctx context.Context, db *gorm.DB, logger *slog.Logger, fallback string) Salt {
	fallbackSalt := Salt{Value: fallback}

	raw, err := settings.GetSetting(ctx, db, settings.KeyVisitorSalt)
	if err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			logger.Warn("Failed to load visitor salt, using fallback", slog.Any("error", err))
		}
		return fallbackSalt
	}

	var s Salt
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.Value == "" {
		logger.Warn("Stored visitor salt is unreadable, using fallback", slog.Any("error", err))
		return fallbackSalt
	}
	return s
}

// RotateSalt generates a new salt, persists it and makes it current. The
// in-memory salt is rotated even if persisting fails; the error is returned
// so the caller can log it.
func RotateSalt(logger *slog.Logger, db *gorm.DB, provider *SaltProvider, now time.Time) (Salt, error) {
	value, err := randomSalt()
	if err != nil {
		return provider.Current(), err
	}

	next := Salt{
		Value:     value,
		Version:   provider.Current().Version + 1,
		RotatedAt: now.UTC(),
	}
	provider.Set(next)

	encoded, err := json.Marshal(next)
	if err != nil {
		return next, fmt.Errorf("failed to encode visitor salt: %w", err)
	}
	if err := settings.PutSetting(logger, db, settings.KeyVisitorSalt, string(encoded)); err != nil {
		return next, err
	}

	logger.Info("Rotated visitor salt", slog.Int("version", next.Version))
	return next, nil
}

func randomSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate visitor salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
