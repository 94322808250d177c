package funnels

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gorm.io/gorm"

	"pulse/internal/conditions"
	"pulse/internal/events"
	"pulse/internal/metrics"
	"pulse/internal/pkg/async"
	"pulse/internal/sessions"
)

// StepResult is the computed outcome of one funnel step.
type StepResult struct {
	Name           string  `json:"name"`
	Count          int     `json:"count"`
	Dropoff        int     `json:"dropoff"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Result is a funnel report over one date range.
type Result struct {
	Funnel                *Funnel      `json:"funnel"`
	From                  time.Time    `json:"from"`
	To                    time.Time    `json:"to"`
	CohortSize            int          `json:"cohort_size"`
	Steps                 []StepResult `json:"steps"`
	OverallConversionRate float64      `json:"overall_conversion_rate"`
}

// Engine computes funnel reports. Sessions are checked in batches of
// batchSize, at most workers batches at a time.
type Engine struct {
	db        *gorm.DB
	logger    *slog.Logger
	batchSize int
	pool      *async.Pool[[]string]
}

func NewEngine(db *gorm.DB, logger *slog.Logger, batchSize, workers int) *Engine {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Engine{
		db:        db,
		logger:    logger,
		batchSize: batchSize,
		pool:      async.NewPool[[]string](workers),
	}
}

// ComputeFunnelStats measures the funnel over sessions of siteID started in
// [from, to]. Each step keeps the sessions with at least one event matching
// it, so counts never increase from one step to the next.
func (e *Engine) ComputeFunnelStats(ctx context.Context, funnelID, siteID uint, from, to time.Time) (*Result, error) {
	started := time.Now()
	defer func() {
		metrics.Get().FunnelComputeDuration.Observe(time.Since(started).Seconds())
	}()

	from, to = from.UTC(), to.UTC()

	funnel, err := GetFunnel(ctx, e.db, funnelID, siteID)
	if err != nil {
		return nil, err
	}
	steps, err := funnel.ParseSteps()
	if err != nil {
		return nil, err
	}

	cohort, err := sessions.IDsStartedBetween(ctx, e.db, siteID, from, to)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Funnel:     funnel,
		From:       from,
		To:         to,
		CohortSize: len(cohort),
		Steps:      make([]StepResult, 0, len(steps)),
	}

	qualified := cohort
	previous := len(cohort)
	for i, step := range steps {
		if len(qualified) > 0 {
			qualified = e.survivors(ctx, funnel.ID, i, step.Condition, qualified)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		count := len(qualified)
		result.Steps = append(result.Steps, StepResult{
			Name:           step.Name,
			Count:          count,
			Dropoff:        previous - count,
			ConversionRate: rate(count, previous),
		})
		previous = count
	}

	if n := len(result.Steps); n > 0 {
		result.OverallConversionRate = rate(result.Steps[n-1].Count, result.CohortSize)
	}
	return result, nil
}

// survivors returns the sessions of qualified with an event matching c, in
// their original order. A batch that fails to load contributes no survivors.
func (e *Engine) survivors(ctx context.Context, funnelID uint, stepIndex int, c conditions.Condition, qualified []string) []string {
	batches := chunk(qualified, e.batchSize)
	tasks := make([]async.Task[[]string], 0, len(batches))
	for i, batch := range batches {
		batch := batch
		tasks = append(tasks, async.Task[[]string]{
			Name: fmt.Sprintf("batch-%d", i),
			Execute: func(ctx context.Context) ([]string, error) {
				return matchingSessions(ctx, e.db, c, batch)
			},
		})
	}

	results := e.pool.Execute(ctx, tasks)

	var out []string
	for i := range batches {
		r := results[fmt.Sprintf("batch-%d", i)]
		if r.Err != nil {
			metrics.Get().FunnelBatchFailures.Inc()
			e.logger.Error("Funnel batch failed",
				slog.Uint64("funnel_id", uint64(funnelID)),
				slog.Int("step", stepIndex+1),
				slog.Int("batch_size", len(batches[i])),
				slog.Any("error", r.Err))
			continue
		}
		out = append(out, r.Data...)
	}
	return out
}

func matchingSessions(ctx context.Context, db *gorm.DB, c conditions.Condition, batch []string) ([]string, error) {
	bySession, err := events.EventsForSessions(ctx, db, batch)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, sessionID := range batch {
		list := bySession[sessionID]
		for i := range list {
			if conditions.Matches(c, &list[i]) {
				matched = append(matched, sessionID)
				break
			}
		}
	}
	return matched, nil
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// rate is count/previous as a percentage with one decimal, 0 when previous
// is 0.
func rate(count, previous int) float64 {
	if previous == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(previous)*1000) / 10
}
