package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/metrics"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/retry"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/status"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTracker    = errors.New("status tracker is required")
	errMissingPolicy     = errors.New("retry policy is required")

	// ErrItemNotFound indicates the queue item does not exist.
	ErrItemNotFound = errors.New("queue: item not found")
	// ErrNotCancellable indicates the item is no longer PENDING; in-flight
	// items must run to completion or failure.
	ErrNotCancellable = errors.New("queue: only pending items can be cancelled")

	noOpLogger = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "queue.service.new"
	opEnqueue        = "queue.enqueue"
	opPendingItems   = "queue.pending_items"
	opDequeueBatch   = "queue.dequeue_batch"
	opComplete       = "queue.complete"
	opFail           = "queue.fail"
	opRequeue        = "queue.requeue"
	opMarkConflicted = "queue.mark_conflicted"
	opCancelPending  = "queue.cancel_pending"
	opClearCompleted = "queue.clear_completed"
	opPurgeCompleted = "queue.purge_completed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the queue manager.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Tracker    *status.Tracker
	Policy     *retry.Policy
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Service owns the durable per-user FIFO mutation queue.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	tracker    *status.Tracker
	policy     *retry.Policy
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewService constructs the queue manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Tracker == nil {
		return nil, newServiceError(opServiceNew, "missing_tracker", errMissingTracker)
	}
	if cfg.Policy == nil {
		return nil, newServiceError(opServiceNew, "missing_policy", errMissingPolicy)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		tracker:    cfg.Tracker,
		policy:     cfg.Policy,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Enqueue appends a validated mutation with status PENDING, then advances the
// user's aggregate state via the status tracker.
func (s *Service) Enqueue(ctx context.Context, request EnqueueRequest) (Mutation, error) {
	opType, err := request.Validate()
	if err != nil {
		return Mutation{}, newServiceError(opEnqueue, "invalid_request", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Mutation{}, newServiceError(opEnqueue, "id_generation_failed", err)
	}

	now := s.clock().UnixMilli()
	clientTimestamp := request.ClientTimestampMillis
	if clientTimestamp <= 0 {
		clientTimestamp = now
	}

	item := Mutation{
		ID:                    id,
		UserID:                request.UserID,
		EntityType:            request.EntityType,
		EntityID:              request.EntityID,
		OperationType:         opType,
		Payload:               request.Payload,
		ClientTimestampMillis: clientTimestamp,
		Priority:              request.Priority,
		Status:                StatusPending,
		CreatedAtMillis:       now,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		s.logError(opEnqueue, "insert_failed", err, zap.String("user_id", request.UserID))
		return Mutation{}, newServiceError(opEnqueue, "insert_failed", err)
	}

	s.metrics.MutationsQueued.WithLabelValues(string(opType)).Inc()
	if _, err := s.tracker.RecomputePendingChanges(ctx, request.UserID); err != nil {
		s.logError(opEnqueue, "recompute_failed", err, zap.String("user_id", request.UserID))
	}

	s.logger.Info("mutation queued",
		zap.String("queue_id", item.ID),
		zap.String("user_id", item.UserID),
		zap.String("entity_type", item.EntityType),
		zap.String("operation", string(item.OperationType)))
	return item, nil
}

// Get loads a single queue item.
func (s *Service) Get(ctx context.Context, itemID string) (Mutation, error) {
	var item Mutation
	err := s.db.WithContext(ctx).Where("id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Mutation{}, ErrItemNotFound
	}
	if err != nil {
		return Mutation{}, err
	}
	return item, nil
}

// PendingItems lists a user's PENDING mutations in dequeue order.
func (s *Service) PendingItems(ctx context.Context, userID string) ([]Mutation, error) {
	var items []Mutation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Order("priority DESC, created_at_ms ASC, id ASC").
		Find(&items).Error
	if err != nil {
		s.logError(opPendingItems, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opPendingItems, "query_failed", err)
	}
	return items, nil
}

// CountPending implements status.PendingCounter.
func (s *Service) CountPending(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Count(&count).Error
	return count, err
}

// CountPendingAll reports PENDING items across every user, for backlog
// gauges.
func (s *Service) CountPendingAll(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("status = ?", StatusPending).
		Count(&count).Error
	return count, err
}

// CountByStatus reports a user's queue item count in the given state.
func (s *Service) CountByStatus(ctx context.Context, userID string, st MutationStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("user_id = ? AND status = ?", userID, st).
		Count(&count).Error
	return count, err
}

// DequeueBatch atomically claims up to batchSize PENDING items that are due
// for an attempt, ordered by priority band then FIFO. The PENDING ->
// IN_PROGRESS flip happens as a conditional update per item inside one
// transaction, so concurrent workers can never both hold the same mutation.
func (s *Service) DequeueBatch(ctx context.Context, userID string, batchSize int) ([]Mutation, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	now := s.clock().UnixMilli()
	var claimed []Mutation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Mutation
		err := tx.
			Where("user_id = ? AND status = ? AND next_attempt_at_ms <= ?", userID, StatusPending, now).
			Order("priority DESC, created_at_ms ASC, id ASC").
			Limit(batchSize).
			Find(&candidates).Error
		if err != nil {
			return newServiceError(opDequeueBatch, "select_failed", err)
		}

		for _, candidate := range candidates {
			result := tx.Model(&Mutation{}).
				Where("id = ? AND status = ?", candidate.ID, StatusPending).
				Update("status", StatusInProgress)
			if result.Error != nil {
				return newServiceError(opDequeueBatch, "claim_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				// Lost the claim race to another worker; skip.
				continue
			}
			candidate.Status = StatusInProgress
			claimed = append(claimed, candidate)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDequeueBatch, "transaction_failed", txErr, zap.String("user_id", userID))
		return nil, txErr
	}
	return claimed, nil
}

// Complete marks an in-flight item COMPLETED. Repeated calls are no-ops:
// the conditional update matches zero rows the second time, and the pending
// counter is re-derived from a count rather than decremented.
func (s *Service) Complete(ctx context.Context, itemID string) error {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}
	processedAt := s.clock().UnixMilli()
	result := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("id = ? AND status = ?", itemID, StatusInProgress).
		Updates(map[string]interface{}{
			"status":          StatusCompleted,
			"processed_at_ms": processedAt,
			"last_error":      "",
		})
	if result.Error != nil {
		s.logError(opComplete, "update_failed", result.Error, zap.String("queue_id", itemID))
		return newServiceError(opComplete, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	s.metrics.MutationsCompleted.Inc()
	if _, err := s.tracker.RecomputePendingChanges(ctx, item.UserID); err != nil {
		s.logError(opComplete, "recompute_failed", err, zap.String("user_id", item.UserID))
	}
	return nil
}

// Fail records a failed attempt. While the retry budget allows, the item
// reverts to PENDING with its next eligibility taken from the backoff delay
// table; otherwise it becomes terminal FAILED. Returns whether a retry
// remains possible.
func (s *Service) Fail(ctx context.Context, itemID string, message string) (bool, error) {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return false, err
	}

	newRetryCount := item.RetryCount + 1
	canRetry := newRetryCount < s.policy.MaxAttempts()

	updates := map[string]interface{}{
		"retry_count": newRetryCount,
		"last_error":  message,
	}
	if canRetry {
		delay := s.policy.DelayForAttempt(newRetryCount)
		updates["status"] = StatusPending
		updates["next_attempt_at_ms"] = s.clock().Add(delay).UnixMilli()
	} else {
		updates["status"] = StatusFailed
		updates["processed_at_ms"] = s.clock().UnixMilli()
	}

	result := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("id = ? AND status = ?", itemID, StatusInProgress).
		Updates(updates)
	if result.Error != nil {
		s.logError(opFail, "update_failed", result.Error, zap.String("queue_id", itemID))
		return false, newServiceError(opFail, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		// Item was not in flight; report the stored retry budget.
		return item.Status == StatusPending && item.RetryCount < s.policy.MaxAttempts(), nil
	}

	if canRetry {
		s.metrics.MutationsRetried.Inc()
	} else {
		s.metrics.MutationsFailed.Inc()
	}
	if _, err := s.tracker.RecomputePendingChanges(ctx, item.UserID); err != nil {
		s.logError(opFail, "recompute_failed", err, zap.String("user_id", item.UserID))
	}

	s.logger.Warn("mutation attempt failed",
		zap.String("queue_id", itemID),
		zap.Int("retry_count", newRetryCount),
		zap.Bool("retryable", canRetry),
		zap.String("message", message))
	return canRetry, nil
}

// FailTerminal marks an item FAILED regardless of remaining retry budget.
// Used for validation failures, which are never retried.
func (s *Service) FailTerminal(ctx context.Context, itemID string, message string) error {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("id = ? AND status = ?", itemID, StatusInProgress).
		Updates(map[string]interface{}{
			"status":          StatusFailed,
			"last_error":      message,
			"retry_count":     item.RetryCount + 1,
			"processed_at_ms": s.clock().UnixMilli(),
		})
	if result.Error != nil {
		return newServiceError(opFail, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.metrics.MutationsFailed.Inc()
	}
	if _, err := s.tracker.RecomputePendingChanges(ctx, item.UserID); err != nil {
		s.logError(opFail, "recompute_failed", err, zap.String("user_id", item.UserID))
	}
	return nil
}

// Requeue returns an in-flight item to PENDING without charging a retry
// attempt. The next eligibility is deferred by the first backoff delay so the
// item waits out the current drain pass instead of spinning inside it.
func (s *Service) Requeue(ctx context.Context, itemID string) error {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}
	nextAttempt := s.clock().Add(s.policy.DelayForAttempt(1)).UnixMilli()
	result := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("id = ? AND status = ?", itemID, StatusInProgress).
		Updates(map[string]interface{}{
			"status":             StatusPending,
			"next_attempt_at_ms": nextAttempt,
		})
	if result.Error != nil {
		s.logError(opRequeue, "update_failed", result.Error, zap.String("queue_id", itemID))
		return newServiceError(opRequeue, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		if _, err := s.tracker.RecomputePendingChanges(ctx, item.UserID); err != nil {
			s.logError(opRequeue, "recompute_failed", err, zap.String("user_id", item.UserID))
		}
	}
	return nil
}

// MarkConflicted parks an in-flight item in CONFLICT. Conflicted items are
// excluded from batches until their conflict record resolves.
func (s *Service) MarkConflicted(ctx context.Context, itemID string) error {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("id = ? AND status = ?", itemID, StatusInProgress).
		Updates(map[string]interface{}{
			"status":          StatusConflict,
			"processed_at_ms": s.clock().UnixMilli(),
		})
	if result.Error != nil {
		s.logError(opMarkConflicted, "update_failed", result.Error, zap.String("queue_id", itemID))
		return newServiceError(opMarkConflicted, "update_failed", result.Error)
	}
	if _, err := s.tracker.RecomputePendingChanges(ctx, item.UserID); err != nil {
		s.logError(opMarkConflicted, "recompute_failed", err, zap.String("user_id", item.UserID))
	}
	return nil
}

// CancelPending deletes a not-yet-claimed mutation. In-flight items cannot be
// cancelled; the caller must await completion or failure.
func (s *Service) CancelPending(ctx context.Context, itemID string) error {
	item, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", itemID, StatusPending).
		Delete(&Mutation{})
	if result.Error != nil {
		return newServiceError(opCancelPending, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotCancellable
	}
	if _, err := s.tracker.RecomputePendingChanges(ctx, item.UserID); err != nil {
		s.logError(opCancelPending, "recompute_failed", err, zap.String("user_id", item.UserID))
	}
	return nil
}

// ReleaseConflicted returns a user's CONFLICT items for the entity to
// PENDING, carrying the winning payload from conflict resolution. Items
// become eligible for the next batch immediately.
func (s *Service) ReleaseConflicted(ctx context.Context, userID, entityType string, entityID *string, payload string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("user_id = ? AND entity_type = ? AND status = ?", userID, entityType, StatusConflict)
	if entityID != nil {
		query = query.Where("entity_id = ?", *entityID)
	}
	result := query.Updates(map[string]interface{}{
		"status":             StatusPending,
		"payload":            payload,
		"next_attempt_at_ms": 0,
		"processed_at_ms":    nil,
	})
	if result.Error != nil {
		return 0, newServiceError(opMarkConflicted, "release_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		if _, err := s.tracker.RecomputePendingChanges(ctx, userID); err != nil {
			s.logError(opMarkConflicted, "recompute_failed", err, zap.String("user_id", userID))
		}
	}
	return result.RowsAffected, nil
}

// CompleteConflicted finishes a user's CONFLICT items for the entity without
// replay, used when resolution decided the remote side already holds the
// winning payload.
func (s *Service) CompleteConflicted(ctx context.Context, userID, entityType string, entityID *string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("user_id = ? AND entity_type = ? AND status = ?", userID, entityType, StatusConflict)
	if entityID != nil {
		query = query.Where("entity_id = ?", *entityID)
	}
	result := query.Updates(map[string]interface{}{
		"status":          StatusCompleted,
		"processed_at_ms": s.clock().UnixMilli(),
	})
	if result.Error != nil {
		return 0, newServiceError(opMarkConflicted, "complete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// UsersWithDueWork returns the distinct users holding PENDING items whose
// backoff eligibility has arrived.
func (s *Service) UsersWithDueWork(ctx context.Context) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&Mutation{}).
		Where("status = ? AND next_attempt_at_ms <= ?", StatusPending, s.clock().UnixMilli()).
		Distinct("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, newServiceError(opDequeueBatch, "due_scan_failed", err)
	}
	return userIDs, nil
}

// ClearCompleted deletes a user's COMPLETED items and reports how many went.
func (s *Service) ClearCompleted(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusCompleted).
		Delete(&Mutation{})
	if result.Error != nil {
		s.logError(opClearCompleted, "delete_failed", result.Error, zap.String("user_id", userID))
		return 0, newServiceError(opClearCompleted, "delete_failed", result.Error)
	}
	s.logger.Info("cleared completed sync items",
		zap.String("user_id", userID),
		zap.Int64("count", result.RowsAffected))
	return result.RowsAffected, nil
}

// PurgeCompleted deletes COMPLETED items processed before the cutoff,
// across all users. Retention-based deletion is the only mutation permitted
// on COMPLETED rows.
func (s *Service) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND processed_at_ms < ?", StatusCompleted, before.UnixMilli()).
		Delete(&Mutation{})
	if result.Error != nil {
		s.logError(opPurgeCompleted, "delete_failed", result.Error)
		return 0, newServiceError(opPurgeCompleted, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("queue service error", attrs...)
}
