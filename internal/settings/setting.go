package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/cache"
	"gorm.io/gorm"

	"pulse/internal/models"
)

// Setting represents a configuration item in the database
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// Well-known setting keys.
const (
	KeyExcludedIPs = "excluded_ips"
	KeyVisitorSalt = "visitor_salt"
)

// ErrNotFound is returned by GetSetting for unknown keys.
var ErrNotFound = errors.New("setting not found")

// SetupDefaultSettings inserts default settings without touching existing values.
func SetupDefaultSettings(logger *slog.Logger, dbConn *gorm.DB) error {
	defaults := []Setting{
		{Key: KeyExcludedIPs, Value: ""},
	}
	return models.PerformWrite(logger, dbConn, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, setting := range defaults {
			err := tx.Exec(`
                INSERT INTO settings (key, value, created_at, updated_at)
                VALUES (?, ?, ?, ?)
                ON CONFLICT(key) DO NOTHING
            `, setting.Key, setting.Value, now, now).Error
			if err != nil {
				logger.Error("Failed to insert default setting", slog.String("key", setting.Key), slog.Any("error", err))
				return fmt.Errorf("failed to insert setting %s: %w", setting.Key, err)
			}
		}
		return nil
	})
}

// GetSetting retrieves a setting value from the database
func GetSetting(ctx context.Context, dbConn *gorm.DB, key string) (string, error) {
	var setting Setting
	err := dbConn.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// PutSetting creates or replaces a setting.
func PutSetting(logger *slog.Logger, dbConn *gorm.DB, key, value string) error {
	err := models.PerformWrite(logger, dbConn, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		return tx.Exec(`
            INSERT INTO settings (key, value, created_at, updated_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
        `, key, value, now, now).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// ExcludedIPs answers whether traffic from an address should be ignored.
// The list is read from the excluded_ips setting through a TTL cache.
type ExcludedIPs struct {
	cache *cache.Cache[string, []string]
}

// NewExcludedIPs creates a cached view of the excluded_ips setting.
func NewExcludedIPs(dbConn *gorm.DB, logger *slog.Logger, ttl time.Duration) *ExcludedIPs {
	fetch := func(key string) ([]string, error) {
		value, err := GetSetting(context.Background(), dbConn, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return splitList(value), nil
	}
	return &ExcludedIPs{cache: cache.NewCache[string, []string](logger, ttl, fetch)}
}

// Contains reports whether ip is excluded.
func (e *ExcludedIPs) Contains(ip string) (bool, error) {
	excluded, err := e.cache.Get(KeyExcludedIPs)
	if err != nil {
		return false, fmt.Errorf("failed to check excluded IPs: %w", err)
	}
	for _, candidate := range excluded {
		if candidate == ip {
			return true, nil
		}
	}
	return false, nil
}

// Refresh drops the cached list so the next lookup reads the database.
func (e *ExcludedIPs) Refresh() {
	e.cache.Clear()
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
