package status

// SyncState enumerates the user-level aggregate sync states.
type SyncState string

const (
	StateIdle        SyncState = "IDLE"
	StateSyncing     SyncState = "SYNCING"
	StateOffline     SyncState = "OFFLINE"
	StateError       SyncState = "ERROR"
	StatePendingSync SyncState = "PENDING_SYNC"
)

// SyncStatus models the per-user aggregate sync record. Exactly one row
// exists per user; it is created on first contact and survives restarts. The
// persisted is_offline flag is the source of truth for offline mode.
type SyncStatus struct {
	UserID             string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSyncAtMillis   *int64    `gorm:"column:last_sync_at_ms"`
	PendingChanges     int       `gorm:"column:pending_changes;not null;default:0"`
	SyncState          SyncState `gorm:"column:sync_state;size:32;not null;default:'IDLE'"`
	SyncingCount       int       `gorm:"column:syncing_count;not null;default:0"`
	TotalToSync        int       `gorm:"column:total_to_sync;not null;default:0"`
	ProgressPercent    int       `gorm:"column:progress_percent;not null;default:0"`
	IsOffline          bool      `gorm:"column:is_offline;not null;default:false"`
	OfflineSinceMillis *int64    `gorm:"column:offline_since_ms"`
	LastError          string    `gorm:"column:last_error;type:text;not null;default:''"`
	DeviceID           string    `gorm:"column:device_id;size:190;not null;default:''"`
	AppVersion         string    `gorm:"column:app_version;size:64;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStatus) TableName() string {
	return "sync_statuses"
}

// Snapshot is the client-facing view of a SyncStatus row.
type Snapshot struct {
	UserID                 string    `json:"user_id"`
	LastSyncAtMillis       *int64    `json:"last_sync_at_ms,omitempty"`
	PendingChanges         int       `json:"pending_changes"`
	SyncState              SyncState `json:"sync_state"`
	SyncingCount           int       `json:"syncing_count"`
	TotalToSync            int       `json:"total_to_sync"`
	ProgressPercent        int       `json:"progress_percent"`
	IsOffline              bool      `json:"is_offline"`
	OfflineDurationSeconds *int64    `json:"offline_duration_seconds,omitempty"`
	LastError              string    `json:"last_error,omitempty"`
	DeviceID               string    `json:"device_id,omitempty"`
	StatusMessage          string    `json:"status_message"`
}
