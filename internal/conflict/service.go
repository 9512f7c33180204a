package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/metrics"
)

var (
	errMissingDatabase   = errors.New("conflict: database handle is required")
	errMissingIDProvider = errors.New("conflict: id provider is required")

	// ErrConflictNotFound indicates the conflict record does not exist.
	ErrConflictNotFound = errors.New("conflict: not found")
	// ErrNotOverlapping indicates the edit pair carries no real divergence:
	// the remote version came from the same device, or is strictly ordered
	// before the local edit.
	ErrNotOverlapping = errors.New("conflict: edits do not overlap")

	noOpLogger = zap.NewNop()
)

// MergeFunc combines the two divergent payloads of an entity type into one
// winning payload. Registered externally per entity type; the sync core never
// inspects payload schemas itself.
type MergeFunc func(localData, remoteData string) (string, error)

// IDProvider issues identifiers for conflict records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the conflict resolver.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Service detects and resolves divergent edits surfaced while draining.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mergeMu sync.RWMutex
	merges  map[string]MergeFunc
}

// NewService constructs the conflict resolver.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
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
		metrics:    m,
		logger:     logger,
		merges:     make(map[string]MergeFunc),
	}, nil
}

// RegisterMerge installs a per-entity-type merge function. MERGE resolution
// falls back to TIMESTAMP for entity types without one.
func (s *Service) RegisterMerge(entityType string, merge MergeFunc) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	s.merges[entityType] = merge
}

func (s *Service) mergeFor(entityType string) (MergeFunc, bool) {
	s.mergeMu.RLock()
	defer s.mergeMu.RUnlock()
	merge, ok := s.merges[entityType]
	return merge, ok
}

// DetectRequest carries both sides of a divergent edit pair.
type DetectRequest struct {
	UserID                string
	EntityType            string
	EntityID              string
	LocalData             string
	LocalTimestampMillis  int64
	LocalDeviceID         string
	RemoteData            string
	RemoteTimestampMillis int64
	RemoteDeviceID        string
}

// Overlaps reports whether the edit windows actually conflict: a remote edit
// from a different device that is not strictly ordered before the local edit.
// An unidentified remote version counts as overlapping, since its ordering
// cannot be established.
func (r DetectRequest) Overlaps() bool {
	if r.RemoteDeviceID == "" && r.RemoteTimestampMillis == 0 {
		return true
	}
	if r.RemoteDeviceID != "" && r.RemoteDeviceID == r.LocalDeviceID {
		return false
	}
	return r.RemoteTimestampMillis >= r.LocalTimestampMillis
}

// Detect records a conflict for the entity, reusing any open conflict so a
// re-replayed mutation cannot produce duplicates. Non-overlapping edit pairs
// are rejected with ErrNotOverlapping and leave no record. The suggested
// winner is computed eagerly, even for conflicts headed to manual resolution,
// so clients always have a sensible default to present.
func (s *Service) Detect(ctx context.Context, request DetectRequest) (Conflict, error) {
	if !request.Overlaps() {
		return Conflict{}, ErrNotOverlapping
	}

	var existing Conflict
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ? AND status IN ?",
			request.UserID, request.EntityType, request.EntityID,
			[]ConflictStatus{StatusPending, StatusManualResolution}).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Conflict{}, err
	}

	record := Conflict{
		ID:                    id,
		UserID:                request.UserID,
		EntityType:            request.EntityType,
		EntityID:              request.EntityID,
		LocalData:             request.LocalData,
		LocalTimestampMillis:  request.LocalTimestampMillis,
		LocalDeviceID:         request.LocalDeviceID,
		RemoteData:            request.RemoteData,
		RemoteTimestampMillis: request.RemoteTimestampMillis,
		RemoteDeviceID:        request.RemoteDeviceID,
		Status:                StatusPending,
		DetectedAtMillis:      s.clock().UnixMilli(),
	}
	record.SuggestedWinner = timestampWinner(record)

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Conflict{}, err
	}

	s.metrics.ConflictsDetected.Inc()
	s.logger.Info("conflict detected",
		zap.String("conflict_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID),
		zap.String("suggested_winner", record.SuggestedWinner))
	return record, nil
}

// Get loads a conflict by id.
func (s *Service) Get(ctx context.Context, conflictID string) (Conflict, error) {
	var record Conflict
	err := s.db.WithContext(ctx).Where("id = ?", conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, ErrConflictNotFound
	}
	if err != nil {
		return Conflict{}, err
	}
	return record, nil
}

// Resolve applies the requested strategy. Re-invoking on an already-resolved
// conflict returns the recorded winning payload without side effects. The
// decide step is a single conditional update, so two concurrent resolutions
// of the same entity cannot both win.
func (s *Service) Resolve(ctx context.Context, conflictID string, strategy ResolutionStrategy) (Conflict, error) {
	record, err := s.Get(ctx, conflictID)
	if err != nil {
		return Conflict{}, err
	}
	if record.Resolved() {
		return record, nil
	}

	winner := timestampWinner(record)
	resolvedData := winnerData(record, winner)
	appliedStrategy := strategy

	switch strategy {
	case StrategyTimestamp:
		// resolvedData already follows the timestamp rule.
	case StrategyLocalWins:
		resolvedData = record.LocalData
	case StrategyRemoteWins:
		resolvedData = record.RemoteData
	case StrategyMerge:
		if merge, ok := s.mergeFor(record.EntityType); ok {
			merged, mergeErr := merge(record.LocalData, record.RemoteData)
			if mergeErr != nil {
				return Conflict{}, fmt.Errorf("conflict: merge for %s failed: %w", record.EntityType, mergeErr)
			}
			resolvedData = merged
		} else {
			appliedStrategy = StrategyTimestamp
		}
	case StrategyManual:
		return s.parkManual(ctx, record)
	default:
		return Conflict{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	return s.decide(ctx, record, appliedStrategy, StatusAutoResolved, resolvedData, "SYSTEM")
}

// ResolveManually records a user-directed decision: an explicit winner, or a
// custom payload when resolvedData is non-nil.
func (s *Service) ResolveManually(ctx context.Context, conflictID string, resolvedData *string, resolvedBy string) (Conflict, error) {
	record, err := s.Get(ctx, conflictID)
	if err != nil {
		return Conflict{}, err
	}
	if record.Resolved() {
		return record, nil
	}

	data := record.LocalData
	if resolvedData != nil {
		data = *resolvedData
	}
	if resolvedBy == "" {
		resolvedBy = record.UserID
	}
	return s.decide(ctx, record, StrategyManual, StatusResolved, data, resolvedBy)
}

// parkManual moves the conflict into MANUAL_RESOLUTION, waiting on the user.
// The eagerly computed suggestion stays available for client display.
func (s *Service) parkManual(ctx context.Context, record Conflict) (Conflict, error) {
	result := s.db.WithContext(ctx).Model(&Conflict{}).
		Where("id = ? AND status = ?", record.ID, StatusPending).
		Updates(map[string]interface{}{
			"status":              StatusManualResolution,
			"resolution_strategy": StrategyManual,
		})
	if result.Error != nil {
		return Conflict{}, result.Error
	}
	return s.Get(ctx, record.ID)
}

// decide is the single atomic compare-and-decide step shared by every
// resolution path. The conditional status guard serializes resolution per
// conflict row; losers of the race observe the winner's recorded payload.
func (s *Service) decide(ctx context.Context, record Conflict, strategy ResolutionStrategy, nextStatus ConflictStatus, resolvedData, resolvedBy string) (Conflict, error) {
	resolvedAt := s.clock().UnixMilli()
	result := s.db.WithContext(ctx).Model(&Conflict{}).
		Where("id = ? AND status IN ?", record.ID,
			[]ConflictStatus{StatusPending, StatusManualResolution}).
		Updates(map[string]interface{}{
			"status":              nextStatus,
			"resolution_strategy": strategy,
			"resolved_data":       resolvedData,
			"resolved_at_ms":      resolvedAt,
			"resolved_by":         resolvedBy,
		})
	if result.Error != nil {
		return Conflict{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Another resolution won the race; return its decision.
		return s.Get(ctx, record.ID)
	}

	s.metrics.ConflictsResolved.WithLabelValues(string(strategy)).Inc()
	s.logger.Info("conflict resolved",
		zap.String("conflict_id", record.ID),
		zap.String("strategy", string(strategy)),
		zap.String("resolved_by", resolvedBy))
	return s.Get(ctx, record.ID)
}

// OpenConflicts lists a user's unresolved conflicts, newest first.
func (s *Service) OpenConflicts(ctx context.Context, userID string) ([]Conflict, error) {
	var records []Conflict
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID,
			[]ConflictStatus{StatusPending, StatusManualResolution}).
		Order("detected_at_ms DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountOpen reports a user's unresolved conflict count.
func (s *Service) CountOpen(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Conflict{}).
		Where("user_id = ? AND status IN ?", userID,
			[]ConflictStatus{StatusPending, StatusManualResolution}).
		Count(&count).Error
	return count, err
}

// AutoResolveAll applies TIMESTAMP resolution to every PENDING conflict for
// the user. Conflicts parked for manual resolution are left alone.
func (s *Service) AutoResolveAll(ctx context.Context, userID string) (int, error) {
	var records []Conflict
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Order("detected_at_ms DESC").
		Find(&records).Error
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, record := range records {
		if _, err := s.Resolve(ctx, record.ID, StrategyTimestamp); err != nil {
			s.logger.Error("auto-resolve failed",
				zap.String("conflict_id", record.ID),
				zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved, nil
}

// ExpireStale deletes resolved conflicts whose decision predates the cutoff.
func (s *Service) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND resolved_at_ms < ?",
			[]ConflictStatus{StatusAutoResolved, StatusResolved}, before.UnixMilli()).
		Delete(&Conflict{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
