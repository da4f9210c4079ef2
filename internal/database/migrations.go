package database

import (
	"errors"
	"time"

	"github.com/pelagiclabs/tidemark/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSyncActions = "2026-07-14_backfill_sync_actions"

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
		{name: migrationBackfillSyncActions, apply: backfillSyncActions},
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

// backfillSyncActions repairs rows written by builds that cleared synced
// without recording a pending action. Dirty rows must always name their
// pending operation, so the safe default is an update.
func backfillSyncActions(db *gorm.DB) error {
	models := []interface{}{
		&journal.Stream{},
		&journal.Location{},
		&journal.Entry{},
		&journal.Attachment{},
	}
	for _, model := range models {
		err := db.Model(model).
			Where("synced = ? AND (sync_action IS NULL OR sync_action = '')", false).
			Update("sync_action", string(journal.SyncActionUpdate)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
