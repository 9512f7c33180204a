package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/conflict"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/metrics"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/status"
)

var (
	errMissingQueue     = errors.New("worker: queue service is required")
	errMissingConflicts = errors.New("worker: conflict service is required")
	errMissingTracker   = errors.New("worker: status tracker is required")
	errMissingApplier   = errors.New("worker: applier is required")
)

const defaultBatchSize = 100

// DrainerConfig describes the dependencies of the background drain loop.
type DrainerConfig struct {
	Queue     *queue.Service
	Conflicts *conflict.Service
	Tracker   *status.Tracker
	Applier   Applier
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	BatchSize int
	Interval  time.Duration
	// Strategies overrides the resolution strategy per entity type; entity
	// types absent from the map auto-resolve by timestamp. MANUAL parks the
	// conflict for an explicit user decision.
	Strategies map[string]conflict.ResolutionStrategy
}

// Drainer replays queued mutations user by user. Distinct users drain in
// parallel; the in-flight guard keeps any single user on one worker at a
// time, and the queue's conditional claim protects individual items on top.
type Drainer struct {
	queue      *queue.Service
	conflicts  *conflict.Service
	tracker    *status.Tracker
	applier    Applier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      func() time.Time
	batchSize  int
	interval   time.Duration
	strategies map[string]conflict.ResolutionStrategy

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

// NewDrainer constructs the drain loop.
func NewDrainer(cfg DrainerConfig) (*Drainer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Conflicts == nil {
		return nil, errMissingConflicts
	}
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Drainer{
		queue:      cfg.Queue,
		conflicts:  cfg.Conflicts,
		tracker:    cfg.Tracker,
		applier:    cfg.Applier,
		metrics:    m,
		logger:     logger,
		clock:      clock,
		batchSize:  batchSize,
		interval:   interval,
		strategies: cfg.Strategies,
	}, nil
}

// Run scans for due work until ctx is cancelled. Each eligible user drains on
// its own goroutine; backoff waits never hold any shared lock.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			userIDs, err := d.queue.UsersWithDueWork(ctx)
			if err != nil {
				d.logger.Error("due work scan failed", zap.Error(err))
				continue
			}
			for _, userID := range userIDs {
				d.spawnDrain(ctx, userID)
			}
		}
	}
}

func (d *Drainer) spawnDrain(ctx context.Context, userID string) {
	d.inFlightMu.Lock()
	if _, busy := d.inFlight[userID]; busy {
		d.inFlightMu.Unlock()
		return
	}
	if d.inFlight == nil {
		d.inFlight = make(map[string]struct{})
	}
	d.inFlight[userID] = struct{}{}
	d.inFlightMu.Unlock()

	go func() {
		defer func() {
			d.inFlightMu.Lock()
			delete(d.inFlight, userID)
			d.inFlightMu.Unlock()
		}()
		if err := d.SyncUser(ctx, userID); err != nil {
			d.logger.Error("drain failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
}

// SyncUser drains one user's queue batch by batch until no due items remain.
// Offline users are skipped; their queue waits for an explicit return to
// online mode.
func (d *Drainer) SyncUser(ctx context.Context, userID string) error {
	offline, err := d.tracker.IsOffline(ctx, userID)
	if err != nil {
		return err
	}
	if offline {
		d.logger.Debug("skipping drain for offline user", zap.String("user_id", userID))
		return nil
	}

	total, err := d.queue.CountPending(ctx, userID)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}

	if err := d.tracker.BeginSync(ctx, userID, int(total)); err != nil {
		return err
	}

	stored, err := d.tracker.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	localDeviceID := stored.DeviceID

	processed := 0
	terminalMessage := ""
	for {
		started := d.clock()
		batch, err := d.queue.DequeueBatch(ctx, userID, d.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		for _, item := range batch {
			if message, terminal := d.applyItem(ctx, item, localDeviceID); terminal {
				terminalMessage = message
			}
			processed++
			percent := 0
			if total > 0 {
				percent = processed * 100 / int(total)
				if percent > 100 {
					percent = 100
				}
			}
			if err := d.tracker.UpdateProgress(ctx, userID, processed, int(total), percent); err != nil {
				d.logger.Warn("progress update failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
		d.metrics.BatchDuration.Observe(d.clock().Sub(started).Seconds())
	}

	remaining, err := d.queue.CountPending(ctx, userID)
	if err != nil {
		return err
	}
	if err := d.tracker.FinishSync(ctx, userID, remaining, terminalMessage); err != nil {
		return err
	}
	// The gauge covers every user's backlog, not just the drained one.
	if backlog, err := d.queue.CountPendingAll(ctx); err == nil {
		d.metrics.PendingItems.Set(float64(backlog))
	} else {
		d.logger.Warn("backlog gauge refresh failed", zap.Error(err))
	}

	d.logger.Info("drain pass finished",
		zap.String("user_id", userID),
		zap.Int("processed", processed),
		zap.Int64("remaining", remaining))
	return nil
}

// applyItem routes one claimed mutation through the collaborator and records
// the structured outcome. Returns a terminal failure message when the item
// became FAILED.
func (d *Drainer) applyItem(ctx context.Context, item queue.Mutation, localDeviceID string) (string, bool) {
	outcome, err := d.applier.Apply(ctx, ApplyRequest{
		UserID:                item.UserID,
		EntityType:            item.EntityType,
		EntityID:              item.EntityID,
		Operation:             item.OperationType,
		Payload:               item.Payload,
		ClientTimestampMillis: item.ClientTimestampMillis,
	})
	if err != nil {
		// Transport breakage: retry per backoff.
		outcome = ApplyOutcome{Code: OutcomeTransient, Reason: err.Error()}
	}

	switch outcome.Code {
	case OutcomeSuccess:
		if err := d.queue.Complete(ctx, item.ID); err != nil {
			d.logger.Error("complete failed", zap.String("queue_id", item.ID), zap.Error(err))
		}
		return "", false

	case OutcomeConflict:
		d.handleConflict(ctx, item, localDeviceID, outcome.Remote)
		return "", false

	case OutcomeTransient:
		retryable, err := d.queue.Fail(ctx, item.ID, outcome.Reason)
		if err != nil {
			d.logger.Error("fail bookkeeping failed", zap.String("queue_id", item.ID), zap.Error(err))
			return "", false
		}
		if !retryable {
			return outcome.Reason, true
		}
		return "", false

	case OutcomeValidation:
		if err := d.queue.FailTerminal(ctx, item.ID, outcome.Reason); err != nil {
			d.logger.Error("terminal fail bookkeeping failed", zap.String("queue_id", item.ID), zap.Error(err))
		}
		return outcome.Reason, true

	default:
		if err := d.queue.FailTerminal(ctx, item.ID, outcome.Reason); err != nil {
			d.logger.Error("terminal fail bookkeeping failed", zap.String("queue_id", item.ID), zap.Error(err))
		}
		return outcome.Reason, true
	}
}

// handleConflict parks the item, records the conflict pair, and auto-resolves
// unless the entity type demands a manual decision. A remote version that
// does not actually overlap the local edit, such as an echo of this device's
// own earlier write, produces no conflict record; the local edit stands and
// replays on its next eligibility.
func (d *Drainer) handleConflict(ctx context.Context, item queue.Mutation, localDeviceID string, remote *RemoteVersion) {
	entityID := ""
	if item.EntityID != nil {
		entityID = *item.EntityID
	}
	request := conflict.DetectRequest{
		UserID:               item.UserID,
		EntityType:           item.EntityType,
		EntityID:             entityID,
		LocalData:            item.Payload,
		LocalTimestampMillis: item.ClientTimestampMillis,
		LocalDeviceID:        localDeviceID,
	}
	if remote != nil {
		request.RemoteData = remote.Data
		request.RemoteTimestampMillis = remote.TimestampMillis
		request.RemoteDeviceID = remote.DeviceID
	}

	if !request.Overlaps() {
		if err := d.queue.Requeue(ctx, item.ID); err != nil {
			d.logger.Error("requeue failed", zap.String("queue_id", item.ID), zap.Error(err))
		}
		return
	}

	if err := d.queue.MarkConflicted(ctx, item.ID); err != nil {
		d.logger.Error("mark conflicted failed", zap.String("queue_id", item.ID), zap.Error(err))
		return
	}

	record, err := d.conflicts.Detect(ctx, request)
	if err != nil {
		d.logger.Error("conflict detection failed", zap.String("queue_id", item.ID), zap.Error(err))
		return
	}

	strategy := d.strategyFor(item.EntityType)
	if strategy == conflict.StrategyManual {
		if _, err := d.conflicts.Resolve(ctx, record.ID, conflict.StrategyManual); err != nil {
			d.logger.Error("manual park failed", zap.String("conflict_id", record.ID), zap.Error(err))
		}
		return
	}

	resolved, err := d.conflicts.Resolve(ctx, record.ID, strategy)
	if err != nil {
		d.logger.Error("auto-resolve failed", zap.String("conflict_id", record.ID), zap.Error(err))
		return
	}
	if err := d.ReleaseResolved(ctx, resolved); err != nil {
		d.logger.Error("conflict release failed", zap.String("conflict_id", record.ID), zap.Error(err))
	}
}

// ReleaseResolved unparks the queue items held by a resolved conflict. When
// the remote side won outright, the local mutation is obsolete and completes
// without replay; any other decision replays the winning payload.
func (d *Drainer) ReleaseResolved(ctx context.Context, record conflict.Conflict) error {
	if !record.Resolved() {
		return nil
	}
	var entityID *string
	if record.EntityID != "" {
		entityID = &record.EntityID
	}
	if record.ResolvedData == record.RemoteData && record.ResolvedData != record.LocalData {
		_, err := d.queue.CompleteConflicted(ctx, record.UserID, record.EntityType, entityID)
		return err
	}
	_, err := d.queue.ReleaseConflicted(ctx, record.UserID, record.EntityType, entityID, record.ResolvedData)
	return err
}

func (d *Drainer) strategyFor(entityType string) conflict.ResolutionStrategy {
	if strategy, ok := d.strategies[entityType]; ok {
		return strategy
	}
	return conflict.StrategyTimestamp
}
