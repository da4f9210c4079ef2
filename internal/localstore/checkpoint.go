package localstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/pelagiclabs/tidemark/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	checkpointKey = "sync.last_pulled_at_s"

	opCheckpoint = "localstore.checkpoint"
	opAudit      = "localstore.audit"
)

// StateRecord is a single scalar of persisted sync state, keyed by name.
type StateRecord struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateRecord) TableName() string {
	return "sync_state"
}

// LastPulledAt returns the pull checkpoint in unix seconds, or zero when no
// pull has completed yet.
func (s *Store) LastPulledAt(ctx context.Context) (int64, error) {
	var record StateRecord
	err := s.db.WithContext(ctx).Where("key = ?", checkpointKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newStoreError(opCheckpoint, "read", err)
	}
	value, err := strconv.ParseInt(record.Value, 10, 64)
	if err != nil {
		return 0, newStoreError(opCheckpoint, "parse", err)
	}
	return value, nil
}

// SetLastPulledAt persists the pull checkpoint.
func (s *Store) SetLastPulledAt(ctx context.Context, unixSeconds int64) error {
	record := StateRecord{
		Key:              checkpointKey,
		Value:            strconv.FormatInt(unixSeconds, 10),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		return newStoreError(opCheckpoint, "write", err)
	}
	return nil
}

// AppendAudit writes one append-only audit row. Audit failures are logged and
// swallowed: the audit trail must never fail a sync cycle.
func (s *Store) AppendAudit(ctx context.Context, level, category, message, countsJSON string) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Warn("audit id generation failed", zap.Error(err))
		return
	}
	if countsJSON == "" {
		countsJSON = "{}"
	}
	record := journal.AuditRecord{
		ID:               id,
		Level:            level,
		Category:         category,
		Message:          message,
		CountsJSON:       countsJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Warn("audit append failed",
			zap.String("category", category),
			zap.Error(err))
	}
}

// RecentAudit returns the most recent audit rows, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]journal.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []journal.AuditRecord
	err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opAudit, "recent", err)
	}
	return rows, nil
}
