package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/status"
)

const (
	migrationBackfillNextAttempt  = "2026-07-14_backfill_queue_next_attempt"
	migrationRepairStalledSyncing = "2026-08-02_repair_stalled_syncing_statuses"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNextAttempt, apply: backfillQueueNextAttempt},
		{name: migrationRepairStalledSyncing, apply: repairStalledSyncingStatuses},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before next_attempt_at_ms existed default it to zero, which is
// already "due immediately"; normalize to created_at_ms so ordering stays
// stable relative to newer rows.
func backfillQueueNextAttempt(db *gorm.DB) error {
	return db.Model(&queue.Mutation{}).
		Where("next_attempt_at_ms = 0 AND status = ?", queue.StatusPending).
		Update("next_attempt_at_ms", gorm.Expr("created_at_ms")).Error
}

// A crash mid-drain can leave a status row stuck in SYNCING with no worker
// attached. On startup those rows fall back to PENDING_SYNC and the drain
// loop picks them up again.
func repairStalledSyncingStatuses(db *gorm.DB) error {
	return db.Model(&status.SyncStatus{}).
		Where("sync_state = ?", status.StateSyncing).
		Updates(map[string]any{
			"sync_state":       status.StatePendingSync,
			"syncing_count":    0,
			"total_to_sync":    0,
			"progress_percent": 0,
		}).Error
}
