package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/conflict"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/metrics"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/retry"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/status"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

type manualClock struct {
	current time.Time
}

func (c *manualClock) Now() time.Time {
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

// scriptedApplier replays a fixed sequence of outcomes, then succeeds.
type scriptedApplier struct {
	mu       sync.Mutex
	outcomes []ApplyOutcome
	calls    []ApplyRequest
}

func (a *scriptedApplier) Apply(ctx context.Context, request ApplyRequest) (ApplyOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, request)
	if len(a.outcomes) == 0 {
		return ApplyOutcome{Code: OutcomeSuccess}, nil
	}
	next := a.outcomes[0]
	a.outcomes = a.outcomes[1:]
	return next, nil
}

func (a *scriptedApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type drainerFixture struct {
	drainer   *Drainer
	queue     *queue.Service
	conflicts *conflict.Service
	tracker   *status.Tracker
	clock     *manualClock
	metrics   *metrics.Metrics
}

func newDrainerFixture(t *testing.T, applier Applier, strategies map[string]conflict.ResolutionStrategy) drainerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:worker_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.Mutation{}, &conflict.Conflict{}, &status.SyncStatus{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{current: time.Unix(1_760_000_000, 0).UTC()}
	tracker, err := status.NewTracker(status.TrackerConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	queueService, err := queue.NewService(queue.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{prefix: "item"},
		Tracker:    tracker,
		Policy:     retry.NewPolicy(retry.PolicyConfig{}),
	})
	if err != nil {
		t.Fatalf("failed to build queue service: %v", err)
	}
	tracker.AttachPendingCounter(queueService)

	conflictService, err := conflict.NewService(conflict.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{prefix: "conflict"},
	})
	if err != nil {
		t.Fatalf("failed to build conflict service: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	drainer, err := NewDrainer(DrainerConfig{
		Queue:      queueService,
		Conflicts:  conflictService,
		Tracker:    tracker,
		Applier:    applier,
		Metrics:    m,
		Clock:      clock.Now,
		BatchSize:  10,
		Strategies: strategies,
	})
	if err != nil {
		t.Fatalf("failed to build drainer: %v", err)
	}
	return drainerFixture{
		drainer:   drainer,
		queue:     queueService,
		conflicts: conflictService,
		tracker:   tracker,
		clock:     clock,
		metrics:   m,
	}
}

func (f drainerFixture) enqueue(t *testing.T, userID, entityType string, entityID *string, operation, payload string, timestampMillis int64) queue.Mutation {
	t.Helper()
	item, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		UserID:                userID,
		EntityType:            entityType,
		EntityID:              entityID,
		OperationType:         operation,
		Payload:               payload,
		ClientTimestampMillis: timestampMillis,
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	return item
}

func (f drainerFixture) itemStatus(t *testing.T, itemID string) queue.MutationStatus {
	t.Helper()
	item, err := f.queue.Get(context.Background(), itemID)
	if err != nil {
		t.Fatalf("failed to load item: %v", err)
	}
	return item.Status
}

func (f drainerFixture) userState(t *testing.T, userID string) status.SyncStatus {
	t.Helper()
	stored, err := f.tracker.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	return stored
}

func TestSyncUserDrainsQueueInOrderAndReturnsToIdle(t *testing.T) {
	applier := &scriptedApplier{}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	first := fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{"seq":1}`, 0)
	fixture.clock.Advance(time.Second)
	second := fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{"seq":2}`, 0)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if got := fixture.itemStatus(t, first.ID); got != queue.StatusCompleted {
		t.Fatalf("expected first item COMPLETED, got %s", got)
	}
	if got := fixture.itemStatus(t, second.ID); got != queue.StatusCompleted {
		t.Fatalf("expected second item COMPLETED, got %s", got)
	}
	if applier.callCount() != 2 {
		t.Fatalf("expected two apply calls, got %d", applier.callCount())
	}
	if applier.calls[0].Payload != `{"seq":1}` {
		t.Fatalf("items must replay in enqueue order, first payload was %s", applier.calls[0].Payload)
	}

	stored := fixture.userState(t, "farmer-1")
	if stored.SyncState != status.StateIdle {
		t.Fatalf("expected IDLE after a clean drain, got %s", stored.SyncState)
	}
	if stored.PendingChanges != 0 {
		t.Fatalf("expected zero pending changes, got %d", stored.PendingChanges)
	}
	if stored.LastSyncAtMillis == nil {
		t.Fatalf("expected last sync timestamp to be recorded")
	}
}

func TestSyncUserSkipsOfflineUsers(t *testing.T) {
	applier := &scriptedApplier{}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	item := fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{}`, 0)
	if err := fixture.tracker.EnterOfflineMode(ctx, "farmer-1"); err != nil {
		t.Fatalf("failed to enter offline mode: %v", err)
	}

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if applier.callCount() != 0 {
		t.Fatalf("offline users must not be drained")
	}
	if got := fixture.itemStatus(t, item.ID); got != queue.StatusPending {
		t.Fatalf("queued item must stay PENDING, got %s", got)
	}
}

func TestSyncUserSchedulesRetryOnTransientFailure(t *testing.T) {
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{Code: OutcomeTransient, Reason: "upstream returned 503"},
	}}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	item := fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{}`, 0)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	stored, err := fixture.queue.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to load item: %v", err)
	}
	if stored.Status != queue.StatusPending {
		t.Fatalf("expected PENDING for retry, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", stored.RetryCount)
	}
	if stored.NextAttemptAtMillis <= fixture.clock.Now().UnixMilli()-1000 {
		t.Fatalf("expected a future eligibility time, got %d", stored.NextAttemptAtMillis)
	}

	state := fixture.userState(t, "farmer-1")
	if state.SyncState != status.StatePendingSync {
		t.Fatalf("expected PENDING_SYNC while a retry waits, got %s", state.SyncState)
	}
}

func TestSyncUserExhaustsRetryBudgetThenReportsError(t *testing.T) {
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{Code: OutcomeTransient, Reason: "upstream returned 500"},
		{Code: OutcomeTransient, Reason: "upstream returned 500"},
		{Code: OutcomeTransient, Reason: "upstream returned 500"},
	}}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	item := fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{}`, 0)

	for pass := 0; pass < 3; pass++ {
		if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
			t.Fatalf("pass %d: drain failed: %v", pass, err)
		}
		fixture.clock.Advance(10 * time.Second)
	}

	if applier.callCount() != 3 {
		t.Fatalf("expected exactly three attempts, got %d", applier.callCount())
	}
	stored, err := fixture.queue.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to load item: %v", err)
	}
	if stored.Status != queue.StatusFailed {
		t.Fatalf("expected terminal FAILED, got %s", stored.Status)
	}
	if stored.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", stored.RetryCount)
	}

	state := fixture.userState(t, "farmer-1")
	if state.SyncState != status.StateError {
		t.Fatalf("expected ERROR after budget exhaustion, got %s", state.SyncState)
	}
	if state.LastError == "" {
		t.Fatalf("expected the failure message to surface on the status record")
	}
}

func TestSyncUserReplaysLocalWinnerAfterConflictResolution(t *testing.T) {
	entityID := "crop-7"
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{
			Code: OutcomeConflict,
			Remote: &RemoteVersion{
				Data:            `{"yield":8}`,
				TimestampMillis: 1_500,
				DeviceID:        "device-b",
			},
		},
	}}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	if err := fixture.tracker.UpdateDeviceInfo(ctx, "farmer-1", "device-a", "2.4.1"); err != nil {
		t.Fatalf("failed to record device info: %v", err)
	}
	item := fixture.enqueue(t, "farmer-1", "crop", &entityID, "UPDATE", `{"yield":10}`, 2_000)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	// The local edit is newer, so resolution replays it and the second apply
	// succeeds within the same pass.
	if applier.callCount() != 2 {
		t.Fatalf("expected conflict then replay, got %d calls", applier.callCount())
	}
	if got := fixture.itemStatus(t, item.ID); got != queue.StatusCompleted {
		t.Fatalf("expected COMPLETED after replay, got %s", got)
	}

	open, err := fixture.conflicts.OpenConflicts(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("conflict should be resolved, %d still open", len(open))
	}
}

func TestSyncUserCompletesObsoleteEditWhenRemoteWins(t *testing.T) {
	entityID := "crop-7"
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{
			Code: OutcomeConflict,
			Remote: &RemoteVersion{
				Data:            `{"yield":8}`,
				TimestampMillis: 5_000,
				DeviceID:        "device-b",
			},
		},
	}}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	item := fixture.enqueue(t, "farmer-1", "crop", &entityID, "UPDATE", `{"yield":10}`, 2_000)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if applier.callCount() != 1 {
		t.Fatalf("a remote win needs no replay, got %d calls", applier.callCount())
	}
	if got := fixture.itemStatus(t, item.ID); got != queue.StatusCompleted {
		t.Fatalf("expected COMPLETED without replay, got %s", got)
	}
}

func TestSyncUserRequeuesEchoedRemoteVersionWithoutConflict(t *testing.T) {
	entityID := "crop-7"
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{
			Code: OutcomeConflict,
			Remote: &RemoteVersion{
				Data:            `{"yield":9}`,
				TimestampMillis: 1_500,
				DeviceID:        "device-a",
			},
		},
	}}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	if err := fixture.tracker.UpdateDeviceInfo(ctx, "farmer-1", "device-a", "2.4.1"); err != nil {
		t.Fatalf("failed to record device info: %v", err)
	}
	item := fixture.enqueue(t, "farmer-1", "crop", &entityID, "UPDATE", `{"yield":10}`, 2_000)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	// The reported remote version is this device's own earlier write; no
	// divergence exists, so the local edit waits for its next pass instead
	// of parking in CONFLICT.
	if applier.callCount() != 1 {
		t.Fatalf("expected a single apply this pass, got %d", applier.callCount())
	}
	stored, err := fixture.queue.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to load item: %v", err)
	}
	if stored.Status != queue.StatusPending {
		t.Fatalf("expected PENDING for replay, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Fatalf("an echoed remote version must not charge a retry, got %d", stored.RetryCount)
	}
	open, err := fixture.conflicts.OpenConflicts(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no conflict record, got %d", len(open))
	}

	fixture.clock.Advance(time.Second)
	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if got := fixture.itemStatus(t, item.ID); got != queue.StatusCompleted {
		t.Fatalf("expected COMPLETED on the next pass, got %s", got)
	}
}

func TestSyncUserParksManualConflictsForUserDecision(t *testing.T) {
	entityID := "plot-3"
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{
			Code: OutcomeConflict,
			Remote: &RemoteVersion{
				Data:            `{"area":4}`,
				TimestampMillis: 3_000,
				DeviceID:        "device-b",
			},
		},
	}}
	strategies := map[string]conflict.ResolutionStrategy{"land_record": conflict.StrategyManual}
	fixture := newDrainerFixture(t, applier, strategies)
	ctx := context.Background()

	item := fixture.enqueue(t, "farmer-1", "land_record", &entityID, "UPDATE", `{"area":5}`, 2_000)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if got := fixture.itemStatus(t, item.ID); got != queue.StatusConflict {
		t.Fatalf("expected the item to wait in CONFLICT, got %s", got)
	}
	open, err := fixture.conflicts.OpenConflicts(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(open) != 1 || open[0].Status != conflict.StatusManualResolution {
		t.Fatalf("expected one parked conflict, got %v", open)
	}

	// The user decides; releasing replays the decided payload.
	decided, err := fixture.conflicts.ResolveManually(ctx, open[0].ID, nil, "farmer-1")
	if err != nil {
		t.Fatalf("failed to resolve manually: %v", err)
	}
	if err := fixture.drainer.ReleaseResolved(ctx, decided); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if got := fixture.itemStatus(t, item.ID); got != queue.StatusPending {
		t.Fatalf("expected PENDING after release, got %s", got)
	}
}

func TestSyncUserGaugeCoversBacklogAcrossUsers(t *testing.T) {
	applier := &scriptedApplier{}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{}`, 0)
	fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{}`, 0)
	fixture.enqueue(t, "farmer-2", "crop", nil, "CREATE", `{}`, 0)
	fixture.enqueue(t, "farmer-2", "crop", nil, "CREATE", `{}`, 0)
	fixture.enqueue(t, "farmer-2", "crop", nil, "CREATE", `{}`, 0)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	// Draining one user must not hide the other user's waiting items.
	if got := testutil.ToFloat64(fixture.metrics.PendingItems); got != 3 {
		t.Fatalf("expected backlog gauge 3, got %v", got)
	}

	if err := fixture.drainer.SyncUser(ctx, "farmer-2"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if got := testutil.ToFloat64(fixture.metrics.PendingItems); got != 0 {
		t.Fatalf("expected an empty backlog gauge, got %v", got)
	}
}

func TestSyncUserFailsValidationErrorsTerminally(t *testing.T) {
	applier := &scriptedApplier{outcomes: []ApplyOutcome{
		{Code: OutcomeValidation, Reason: "unknown entity schema"},
	}}
	fixture := newDrainerFixture(t, applier, nil)
	ctx := context.Background()

	item := fixture.enqueue(t, "farmer-1", "crop", nil, "CREATE", `{"bad":true}`, 0)

	if err := fixture.drainer.SyncUser(ctx, "farmer-1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if applier.callCount() != 1 {
		t.Fatalf("validation failures must not retry, got %d calls", applier.callCount())
	}
	if got := fixture.itemStatus(t, item.ID); got != queue.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
	state := fixture.userState(t, "farmer-1")
	if state.SyncState != status.StateError {
		t.Fatalf("expected ERROR, got %s", state.SyncState)
	}
}
