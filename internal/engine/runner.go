package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-hq/ratchet/internal/store"
)

// RunnerConfig tunes the claim loop.
type RunnerConfig struct {
	WorkerID     string        // identifies this worker's leases
	PollInterval time.Duration // how often the claim query runs
	BatchSize    int           // max executions claimed per poll
	LeaseTTL     time.Duration // visibility timeout per claim
	Concurrency  int           // max executions advanced in parallel
}

func (c *RunnerConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

// Runner polls the store for claimable executions (pending, due waits, and
// expired leases) and advances each through the coordinator on the pool.
// Multiple runners against the same store are safe: claiming is a
// compare-and-swap, so every execution lands on exactly one of them.
type Runner struct {
	store       store.Store
	coordinator *Coordinator
	pool        *WorkerPool
	cfg         RunnerConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewRunner creates a Runner with its own pool.
func NewRunner(s store.Store, coordinator *Coordinator, cfg RunnerConfig, logger *slog.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store:       s,
		coordinator: coordinator,
		pool:        NewWorkerPool(cfg.Concurrency),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Run polls until the context is cancelled, then drains in-flight work.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started",
		slog.String("worker_id", r.cfg.WorkerID),
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("concurrency", r.cfg.Concurrency))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.PollOnce(ctx)
		select {
		case <-ctx.Done():
			r.pool.Shutdown()
			r.logger.Info("worker stopped", slog.String("worker_id", r.cfg.WorkerID))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce claims one batch and submits each claimed execution to the pool.
func (r *Runner) PollOnce(ctx context.Context) {
	claimed, err := r.store.ClaimExecutions(ctx, r.cfg.WorkerID, r.cfg.BatchSize, r.cfg.LeaseTTL, r.now())
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("claim executions failed", slog.Any("error", err))
		}
		return
	}

	for _, exec := range claimed {
		e := exec
		err := r.pool.Submit(ctx, func(ctx context.Context) error {
			return r.coordinator.Advance(ctx, e)
		})
		if err != nil {
			// The lease expires on its own; the execution will be reclaimed.
			r.logger.Warn("submit claimed execution failed",
				slog.String("execution_id", e.ID), slog.Any("error", err))
			return
		}
	}
}

// Metrics exposes the underlying pool metrics.
func (r *Runner) Metrics() PoolMetrics {
	return r.pool.Metrics()
}
