package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs pulse's background jobs. It implements
// cartridge.BackgroundWorker.
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.Mutex
	wg        sync.WaitGroup

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	saltRotation *SaltRotationJob
}

func NewScheduler(logger *slog.Logger, saltRotation *SaltRotationJob) *Scheduler {
	return &Scheduler{
		logger:       logger,
		saltRotation: saltRotation,
	}
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.isRunning = true

	if s.saltRotation != nil {
		s.startSaltRotationJob(s.ctx)
	}

	s.logger.Info("Background jobs started")
	return nil
}

// startSaltRotationJob rotates a stale salt right away, then rotates at
// every UTC midnight.
func (s *Scheduler) startSaltRotationJob(ctx context.Context) {
	s.executeJobSafely("salt_rotation_catch_up", s.saltRotation.RunIfStale)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := time.Until(NextMidnight(s.saltRotation.now()))
			s.logger.Debug("Next salt rotation scheduled", slog.Duration("in", wait))
			timer := time.NewTimer(wait)

			select {
			case <-timer.C:
				s.executeJobSafely("salt_rotation", s.saltRotation.Run)
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("Salt rotation job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping background jobs...")
	s.cancel()
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// NextMidnight returns the first UTC midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
