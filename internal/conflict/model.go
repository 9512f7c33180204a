package conflict

import (
	"errors"
	"fmt"
	"strings"
)

// ResolutionStrategy enumerates how a conflict's winner is decided.
type ResolutionStrategy string

const (
	StrategyTimestamp  ResolutionStrategy = "TIMESTAMP"
	StrategyManual     ResolutionStrategy = "MANUAL"
	StrategyMerge      ResolutionStrategy = "MERGE"
	StrategyLocalWins  ResolutionStrategy = "LOCAL_WINS"
	StrategyRemoteWins ResolutionStrategy = "REMOTE_WINS"
)

// ConflictStatus enumerates the conflict lifecycle.
type ConflictStatus string

const (
	StatusPending          ConflictStatus = "PENDING"
	StatusAutoResolved     ConflictStatus = "AUTO_RESOLVED"
	StatusManualResolution ConflictStatus = "MANUAL_RESOLUTION"
	StatusResolved         ConflictStatus = "RESOLVED"
)

// ErrInvalidStrategy indicates an unknown resolution strategy value.
var ErrInvalidStrategy = errors.New("conflict: invalid resolution strategy")

// ParseStrategy validates a raw strategy string.
func ParseStrategy(raw string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(strings.ToUpper(strings.TrimSpace(raw))) {
	case StrategyTimestamp:
		return StrategyTimestamp, nil
	case StrategyManual:
		return StrategyManual, nil
	case StrategyMerge:
		return StrategyMerge, nil
	case StrategyLocalWins:
		return StrategyLocalWins, nil
	case StrategyRemoteWins:
		return StrategyRemoteWins, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
	}
}

// Conflict models a pair of divergent edits to one entity from different
// devices. Resolution always yields exactly one winning payload recorded in
// ResolvedData.
type Conflict struct {
	ID                    string             `gorm:"column:id;primaryKey;size:190;not null"`
	UserID                string             `gorm:"column:user_id;size:190;not null;index:idx_conflicts_user_status,priority:1"`
	EntityType            string             `gorm:"column:entity_type;size:190;not null;index:idx_conflicts_entity,priority:1"`
	EntityID              string             `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_entity,priority:2"`
	LocalData             string             `gorm:"column:local_data;type:text;not null"`
	LocalTimestampMillis  int64              `gorm:"column:local_timestamp_ms;not null"`
	LocalDeviceID         string             `gorm:"column:local_device_id;size:190;not null;default:''"`
	RemoteData            string             `gorm:"column:remote_data;type:text;not null"`
	RemoteTimestampMillis int64              `gorm:"column:remote_timestamp_ms;not null"`
	RemoteDeviceID        string             `gorm:"column:remote_device_id;size:190;not null;default:''"`
	ResolutionStrategy    ResolutionStrategy `gorm:"column:resolution_strategy;size:32"`
	Status                ConflictStatus     `gorm:"column:status;size:32;not null;index:idx_conflicts_user_status,priority:2"`
	ResolvedData          string             `gorm:"column:resolved_data;type:text;not null;default:''"`
	SuggestedWinner       string             `gorm:"column:suggested_winner;size:16;not null;default:''"`
	DetectedAtMillis      int64              `gorm:"column:detected_at_ms;not null"`
	ResolvedAtMillis      *int64             `gorm:"column:resolved_at_ms"`
	ResolvedBy            string             `gorm:"column:resolved_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Conflict) TableName() string {
	return "sync_conflicts"
}

// Resolved reports whether the conflict already carries its winning payload.
func (c Conflict) Resolved() bool {
	return c.Status == StatusAutoResolved || c.Status == StatusResolved
}

const (
	// WinnerLocal marks the queued local edit as the winning side.
	WinnerLocal = "local"
	// WinnerRemote marks the concurrent remote edit as the winning side.
	WinnerRemote = "remote"
)

// timestampWinner applies the deterministic most-recent-wins rule: the
// strictly later timestamp wins; equal timestamps fall back to lexical
// device id order (greater id wins) so both devices decide identically
// regardless of invocation order.
func timestampWinner(c Conflict) string {
	switch {
	case c.RemoteTimestampMillis > c.LocalTimestampMillis:
		return WinnerRemote
	case c.LocalTimestampMillis > c.RemoteTimestampMillis:
		return WinnerLocal
	case c.RemoteDeviceID > c.LocalDeviceID:
		return WinnerRemote
	default:
		return WinnerLocal
	}
}

// winnerData maps a winner label to its payload.
func winnerData(c Conflict, winner string) string {
	if winner == WinnerRemote {
		return c.RemoteData
	}
	return c.LocalData
}
