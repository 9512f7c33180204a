package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/conflict"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
)

// JanitorConfig describes the retention cleanup task.
type JanitorConfig struct {
	Queue              *queue.Service
	Conflicts          *conflict.Service
	Logger             *zap.Logger
	Clock              func() time.Time
	Interval           time.Duration
	CompletedRetention time.Duration
	ConflictRetention  time.Duration
}

// Janitor purges completed queue items and expires stale resolved conflicts
// on a schedule. It is an independently cancellable task; RunOnce exists so
// tests invoke cleanup deterministically without wall-clock waits.
type Janitor struct {
	queue              *queue.Service
	conflicts          *conflict.Service
	logger             *zap.Logger
	clock              func() time.Time
	interval           time.Duration
	completedRetention time.Duration
	conflictRetention  time.Duration
}

// NewJanitor constructs the cleanup task.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Conflicts == nil {
		return nil, errMissingConflicts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	completedRetention := cfg.CompletedRetention
	if completedRetention <= 0 {
		completedRetention = 7 * 24 * time.Hour
	}
	conflictRetention := cfg.ConflictRetention
	if conflictRetention <= 0 {
		conflictRetention = 30 * 24 * time.Hour
	}
	return &Janitor{
		queue:              cfg.Queue,
		conflicts:          cfg.Conflicts,
		logger:             logger,
		clock:              clock,
		interval:           interval,
		completedRetention: completedRetention,
		conflictRetention:  conflictRetention,
	}, nil
}

// Run executes cleanup on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := j.clock()

	purged, err := j.queue.PurgeCompleted(ctx, now.Add(-j.completedRetention))
	if err != nil {
		j.logger.Error("completed purge failed", zap.Error(err))
	} else if purged > 0 {
		j.logger.Info("purged completed sync items", zap.Int64("count", purged))
	}

	expired, err := j.conflicts.ExpireStale(ctx, now.Add(-j.conflictRetention))
	if err != nil {
		j.logger.Error("conflict expiry failed", zap.Error(err))
	} else if expired > 0 {
		j.logger.Info("expired stale conflicts", zap.Int64("count", expired))
	}
}
