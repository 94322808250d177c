package internal

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"pulse/internal/config"
	"pulse/internal/definitions"
	"pulse/internal/funnels"
	"pulse/internal/goals"
	"pulse/internal/jobs"
	"pulse/internal/notifications"
	"pulse/internal/pkg/geoip"
	"pulse/internal/settings"
	"pulse/internal/tracking"
	"pulse/internal/visitors"
)

const excludedIPsTTL = time.Minute

// Services are the long-lived collaborators shared by the HTTP handlers
// and the background workers.
type Services struct {
	Salts       *visitors.SaltProvider
	Hasher      *visitors.Hasher
	Geo         *geoip.Resolver
	ExcludedIPs *settings.ExcludedIPs
	Dispatcher  *notifications.Dispatcher
	Goals       *goals.Engine
	Tracker     *tracking.Tracker
	Funnels     *funnels.Engine
	Scheduler   *jobs.Scheduler

	db     *gorm.DB
	cfg    *config.Config
	logger *slog.Logger
}

// NewServices builds the service graph on top of an open connection. The
// salt starts at the configured default until LoadState reads storage.
func NewServices(cfg *config.Config, dbManager jobs.ConnectionProvider, logger *slog.Logger) *Services {
	db := dbManager.GetConnection()

	salts := visitors.NewSaltProvider(visitors.Salt{Value: cfg.DefaultSalt})

	dispatcher := notifications.NewDispatcher(logger, notifications.Config{
		Workers:   cfg.NotificationWorkers,
		QueueSize: cfg.NotificationQueueSize,
		Timeout:   time.Duration(cfg.NotificationTimeoutSeconds) * time.Second,
		RateLimit: cfg.NotificationRateLimit,
	})
	goalEngine := goals.NewEngine(db, logger, dispatcher, time.Duration(cfg.GoalCacheTTLSeconds)*time.Second)

	return &Services{
		Salts:       salts,
		Hasher:      visitors.NewHasher(salts),
		Geo:         geoip.Open(cfg.GeoDBPath, logger),
		ExcludedIPs: settings.NewExcludedIPs(db, logger, excludedIPsTTL),
		Dispatcher:  dispatcher,
		Goals:       goalEngine,
		Tracker:     tracking.NewTracker(db, logger, goalEngine),
		Funnels:     funnels.NewEngine(db, logger, cfg.FunnelBatchSize, cfg.FunnelWorkers),
		Scheduler:   jobs.NewScheduler(logger, jobs.NewSaltRotationJob(dbManager, logger, salts)),
		db:          db,
		cfg:         cfg,
		logger:      logger,
	}
}

// LoadState reads the persisted salt and, when a definitions file is
// configured, upserts its goals and funnels. It must run after migrations.
func (s *Services) LoadState(ctx context.Context) error {
	s.LoadSalt(ctx)
	if s.cfg.DefinitionsPath == "" {
		return nil
	}
	_, err := s.LoadDefinitions(s.cfg.DefinitionsPath)
	return err
}

// LoadSalt replaces the in-memory salt with the stored one.
func (s *Services) LoadSalt(ctx context.Context) visitors.Salt {
	salt := visitors.LoadSalt(ctx, s.db, s.logger, s.cfg.DefaultSalt)
	s.Salts.Set(salt)
	s.logger.Info("Visitor salt loaded", slog.Int("version", salt.Version))
	return salt
}

// LoadDefinitions upserts the goals and funnels of a definitions file and
// drops cached goal definitions.
func (s *Services) LoadDefinitions(path string) (*definitions.Summary, error) {
	summary, err := definitions.ApplyFile(s.logger, s.db, path)
	if err != nil {
		return nil, err
	}
	s.Goals.Invalidate()
	s.logger.Info("Definitions loaded",
		slog.String("path", path),
		slog.Int("goals", summary.Goals),
		slog.Int("funnels", summary.Funnels))
	return summary, nil
}

// Logger returns the application logger.
func (s *Services) Logger() *slog.Logger {
	return s.logger
}

// DB returns the shared connection.
func (s *Services) DB() *gorm.DB {
	return s.db
}

// Close waits for in-flight goal evaluations and releases the geo database.
func (s *Services) Close() {
	s.Tracker.Wait()
	if err := s.Geo.Close(); err != nil {
		s.logger.Warn("Failed to close GeoIP database", slog.Any("error", err))
	}
}
