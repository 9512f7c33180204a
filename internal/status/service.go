package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("status: database handle is required")

// PendingCounter reports the true count of queued-but-unsynced mutations for
// a user. The queue service implements it; the tracker uses it only at
// recompute barriers so the two packages stay decoupled.
type PendingCounter interface {
	CountPending(ctx context.Context, userID string) (int64, error)
}

// TrackerConfig describes the dependencies for the status tracker.
type TrackerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Tracker owns the one-per-user sync state records.
type Tracker struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *zap.Logger
	counter PendingCounter
}

// NewTracker constructs the status tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: cfg.Database, now: clock, logger: logger}, nil
}

// AttachPendingCounter wires the queue-side counter after construction. The
// tracker and queue reference each other at runtime, so one side binds late.
func (t *Tracker) AttachPendingCounter(counter PendingCounter) {
	t.counter = counter
}

// GetOrCreate returns the user's status record, creating an IDLE one on first
// contact. Safe to call repeatedly.
func (t *Tracker) GetOrCreate(ctx context.Context, userID string) (SyncStatus, error) {
	if userID == "" {
		return SyncStatus{}, fmt.Errorf("status: user identifier is required")
	}

	record := SyncStatus{UserID: userID, SyncState: StateIdle}
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return SyncStatus{}, err
	}

	var stored SyncStatus
	if err := t.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stored).Error; err != nil {
		return SyncStatus{}, err
	}
	return stored, nil
}

// Snapshot renders the client-facing view, including offline duration and a
// human-readable status message.
func (t *Tracker) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	stored, err := t.GetOrCreate(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		UserID:           stored.UserID,
		LastSyncAtMillis: stored.LastSyncAtMillis,
		PendingChanges:   stored.PendingChanges,
		SyncState:        stored.SyncState,
		SyncingCount:     stored.SyncingCount,
		TotalToSync:      stored.TotalToSync,
		ProgressPercent:  stored.ProgressPercent,
		IsOffline:        stored.IsOffline,
		LastError:        stored.LastError,
		DeviceID:         stored.DeviceID,
	}
	if stored.IsOffline && stored.OfflineSinceMillis != nil {
		seconds := (t.now().UnixMilli() - *stored.OfflineSinceMillis) / 1000
		if seconds < 0 {
			seconds = 0
		}
		snapshot.OfflineDurationSeconds = &seconds
	}
	snapshot.StatusMessage = statusMessage(stored)
	return snapshot, nil
}

// EnterOfflineMode flips the durable offline flag. The write commits before
// returning, so client polls observe the flag immediately.
func (t *Tracker) EnterOfflineMode(ctx context.Context, userID string) error {
	if _, err := t.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	offlineSince := t.now().UnixMilli()
	err := t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"is_offline":       true,
			"offline_since_ms": offlineSince,
			"sync_state":       StateOffline,
		}).Error
	if err != nil {
		return err
	}
	t.logger.Info("user entered offline mode", zap.String("user_id", userID))
	return nil
}

// ExitOfflineMode clears the offline flag and restores the queue-driven
// state: PENDING_SYNC when changes await replay, IDLE otherwise.
func (t *Tracker) ExitOfflineMode(ctx context.Context, userID string) error {
	stored, err := t.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	nextState := StateIdle
	if stored.PendingChanges > 0 {
		nextState = StatePendingSync
	}
	err = t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"is_offline":       false,
			"offline_since_ms": nil,
			"sync_state":       nextState,
		}).Error
	if err != nil {
		return err
	}
	t.logger.Info("user exited offline mode", zap.String("user_id", userID))
	return nil
}

// IsOffline reports the persisted offline flag; absent records are online.
func (t *Tracker) IsOffline(ctx context.Context, userID string) (bool, error) {
	var stored SyncStatus
	err := t.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored.IsOffline, nil
}

// RecomputePendingChanges re-derives pendingChanges from the queue's true
// PENDING count. The stored counter may lag between barriers but is exact
// after each call and can never go negative.
func (t *Tracker) RecomputePendingChanges(ctx context.Context, userID string) (int64, error) {
	if t.counter == nil {
		return 0, fmt.Errorf("status: pending counter not attached")
	}
	count, err := t.counter.CountPending(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count < 0 {
		count = 0
	}

	stored, err := t.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}

	updates := map[string]interface{}{"pending_changes": count}
	if count > 0 && !stored.IsOffline && stored.SyncState == StateIdle {
		updates["sync_state"] = StatePendingSync
	}
	err = t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(updates).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// BeginSync marks the start of a drain pass.
func (t *Tracker) BeginSync(ctx context.Context, userID string, totalToSync int) error {
	if _, err := t.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	return t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"sync_state":       StateSyncing,
			"total_to_sync":    totalToSync,
			"syncing_count":    0,
			"progress_percent": 0,
			"last_error":       "",
		}).Error
}

// UpdateProgress records mid-drain progress for client polling.
func (t *Tracker) UpdateProgress(ctx context.Context, userID string, syncing, total, percent int) error {
	return t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"syncing_count":    syncing,
			"total_to_sync":    total,
			"progress_percent": percent,
		}).Error
}

// FinishSync records the end of a drain pass. The next state depends on what
// remains: IDLE when the queue drained clean, PENDING_SYNC when items remain,
// ERROR when a terminal failure message was surfaced.
func (t *Tracker) FinishSync(ctx context.Context, userID string, remaining int64, lastError string) error {
	nextState := StateIdle
	progress := 100
	switch {
	case lastError != "":
		nextState = StateError
	case remaining > 0:
		nextState = StatePendingSync
		progress = 0
	}
	if remaining < 0 {
		remaining = 0
	}
	return t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"sync_state":       nextState,
			"pending_changes":  remaining,
			"syncing_count":    0,
			"progress_percent": progress,
			"last_sync_at_ms":  t.now().UnixMilli(),
			"last_error":       lastError,
		}).Error
}

// SetSyncError surfaces an unrecoverable failure on the aggregate record.
func (t *Tracker) SetSyncError(ctx context.Context, userID, message string) error {
	if _, err := t.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	t.logger.Warn("sync error recorded", zap.String("user_id", userID), zap.String("message", message))
	return t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"sync_state": StateError,
			"last_error": message,
		}).Error
}

// UpdateDeviceInfo records the reporting device for tie-breaking and support.
func (t *Tracker) UpdateDeviceInfo(ctx context.Context, userID, deviceID, appVersion string) error {
	if _, err := t.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	return t.db.WithContext(ctx).Model(&SyncStatus{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"device_id":   deviceID,
			"app_version": appVersion,
		}).Error
}

func statusMessage(stored SyncStatus) string {
	if stored.IsOffline {
		return "You are offline. Changes will sync when you're back online."
	}
	switch stored.SyncState {
	case StateSyncing:
		return fmt.Sprintf("Syncing %d of %d items...", stored.SyncingCount, stored.TotalToSync)
	case StatePendingSync:
		return fmt.Sprintf("%d changes pending sync.", stored.PendingChanges)
	case StateOffline:
		return "You are offline."
	case StateError:
		if stored.LastError != "" {
			return "Sync error: " + stored.LastError
		}
		return "Sync error: unknown error"
	default:
		return "All data is synced."
	}
}
