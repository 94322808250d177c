package jobs

import (
	"log/slog"
	"time"

	"gorm.io/gorm"

	"pulse/internal/visitors"
)

// ConnectionProvider hands out the shared database connection.
type ConnectionProvider interface {
	GetConnection() *gorm.DB
}

// SaltRotationJob replaces the visitor salt so visitor hashes stop
// correlating across days.
type SaltRotationJob struct {
	dbManager ConnectionProvider
	logger    *slog.Logger
	salts     *visitors.SaltProvider
	now       func() time.Time
}

func NewSaltRotationJob(dbManager ConnectionProvider, logger *slog.Logger, salts *visitors.SaltProvider) *SaltRotationJob {
	return &SaltRotationJob{
		dbManager: dbManager,
		logger:    logger,
		salts:     salts,
		now:       time.Now,
	}
}

// Run rotates the salt unconditionally.
func (j *SaltRotationJob) Run() error {
	_, err := visitors.RotateSalt(j.logger, j.dbManager.GetConnection(), j.salts, j.now())
	return err
}

// RunIfStale rotates only when the current salt predates today (UTC).
func (j *SaltRotationJob) RunIfStale() error {
	current := j.salts.Current()
	if !current.IsStale(j.now()) {
		j.logger.Debug("Visitor salt is current", slog.Int("version", current.Version))
		return nil
	}
	return j.Run()
}
