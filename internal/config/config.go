// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// DefaultSalt is used for visitor hashing until a persisted salt is loaded.
const DefaultSalt = "pulse-default-salt-change-me"

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`

	// Visitor identity
	DefaultSalt string `mapstructure:"defaultsalt"`

	// File paths
	DatabasePath    string `mapstructure:"storagepath"`
	DatabaseName    string `mapstructure:"-"`
	GeoDBPath       string `mapstructure:"geodbpath"`
	DefinitionsPath string `mapstructure:"definitionspath"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseMaxOpenConns int `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int `mapstructure:"dbmaxidleconns"`

	// Goal and funnel evaluation
	GoalCacheTTLSeconds int `mapstructure:"goalcachettlseconds"`
	FunnelBatchSize     int `mapstructure:"funnelbatchsize"`
	FunnelWorkers       int `mapstructure:"funnelworkers"`

	// Outbound notifications
	NotificationWorkers        int     `mapstructure:"notificationworkers"`
	NotificationQueueSize      int     `mapstructure:"notificationqueuesize"`
	NotificationTimeoutSeconds int     `mapstructure:"notificationtimeoutseconds"`
	NotificationRateLimit      float64 `mapstructure:"notificationratelimit"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the process-wide configuration, loading it on first use.
func GetConfig() *Config {
	once.Do(func() {
		// A missing .env file is normal outside of local development.
		_ = godotenv.Load()

		c, err := Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = c
	})
	return cfg
}

// Load reads defaults and PULSE_* environment variables into a new Config.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "pulse")
	v.SetDefault("appport", "3000")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelDebug))
	v.SetDefault("defaultsalt", DefaultSalt)
	v.SetDefault("storagepath", "storage")
	v.SetDefault("geodbpath", "storage/GeoLite2-Country.mmdb")
	v.SetDefault("definitionspath", "")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("goalcachettlseconds", 60)
	v.SetDefault("funnelbatchsize", 100)
	v.SetDefault("funnelworkers", 4)
	v.SetDefault("notificationworkers", 2)
	v.SetDefault("notificationqueuesize", 256)
	v.SetDefault("notificationtimeoutseconds", 10)
	v.SetDefault("notificationratelimit", 5.0)

	v.BindEnv("appname", "PULSE_APP_NAME")
	v.BindEnv("appport", "PULSE_APP_PORT")
	v.BindEnv("environment", "PULSE_ENV")
	v.BindEnv("loglevel", "PULSE_LOG_LEVEL")
	v.BindEnv("defaultsalt", "PULSE_DEFAULT_SALT")
	v.BindEnv("storagepath", "PULSE_STORAGE_PATH")
	v.BindEnv("geodbpath", "PULSE_GEO_DB_PATH")
	v.BindEnv("definitionspath", "PULSE_DEFINITIONS_PATH")
	v.BindEnv("logsdir", "PULSE_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "PULSE_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "PULSE_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "PULSE_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbmaxopenconns", "PULSE_DB_MAX_OPEN_CONNS")
	v.BindEnv("dbmaxidleconns", "PULSE_DB_MAX_IDLE_CONNS")
	v.BindEnv("goalcachettlseconds", "PULSE_GOAL_CACHE_TTL_SECONDS")
	v.BindEnv("funnelbatchsize", "PULSE_FUNNEL_BATCH_SIZE")
	v.BindEnv("funnelworkers", "PULSE_FUNNEL_WORKERS")
	v.BindEnv("notificationworkers", "PULSE_NOTIFICATION_WORKERS")
	v.BindEnv("notificationqueuesize", "PULSE_NOTIFICATION_QUEUE_SIZE")
	v.BindEnv("notificationtimeoutseconds", "PULSE_NOTIFICATION_TIMEOUT_SECONDS")
	v.BindEnv("notificationratelimit", "PULSE_NOTIFICATION_RATE_LIMIT")

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c.DatabaseName = c.GetDatabasePath()
	return c, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	if c.DefaultSalt == "" {
		return fmt.Errorf("default salt must not be empty")
	}
	if c.IsProduction() && c.DefaultSalt == DefaultSalt {
		return fmt.Errorf("production requires a unique PULSE_DEFAULT_SALT (cannot use default)")
	}

	if c.FunnelBatchSize <= 0 {
		return fmt.Errorf("funnel batch size must be positive, got %d", c.FunnelBatchSize)
	}
	if c.FunnelWorkers <= 0 {
		return fmt.Errorf("funnel workers must be positive, got %d", c.FunnelWorkers)
	}
	if c.NotificationWorkers <= 0 || c.NotificationQueueSize <= 0 {
		return fmt.Errorf("notification workers and queue size must be positive")
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns an empty path: the collector serves no static assets.
func (c *Config) GetPublicDirectory() string {
	return ""
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return "/"
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
