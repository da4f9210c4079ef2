package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrRowNotFound indicates the requested row does not exist for the account.
	ErrRowNotFound = errors.New("hub: row not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingAssetDir   = errors.New("asset directory is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// OpenDatabase opens the hub's own sqlite database and migrates its schema.
func OpenDatabase(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&StreamRecord{},
		&LocationRecord{},
		&EntryRecord{},
		&AttachmentRecord{},
	); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("hub database initialized", zap.String("path", path))
	}
	return db, nil
}

// ServiceConfig wires the hub's storage service.
type ServiceConfig struct {
	Database   *gorm.DB
	AssetDir   string
	IDProvider journal.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns the hub's rows, assets, and change fan-out. Write timestamps
// come from the hub clock so incremental cursors are immune to device skew.
type Service struct {
	db         *gorm.DB
	assetDir   string
	idProvider journal.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	dispatcher *ChangeDispatcher
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.AssetDir == "" {
		return nil, errMissingAssetDir
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		assetDir:   cfg.AssetDir,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		dispatcher: NewChangeDispatcher(),
	}, nil
}

// Dispatcher exposes the change fan-out for the SSE endpoint.
func (s *Service) Dispatcher() *ChangeDispatcher {
	return s.dispatcher
}

func (s *Service) now() int64 {
	return s.clock().UTC().Unix()
}

func (s *Service) publish(userID, table, recordID, op string) {
	s.dispatcher.Publish(ChangeMessage{
		UserID:   userID,
		Table:    table,
		RecordID: recordID,
		Op:       op,
	})
}

// ListStreams returns the account's streams changed at or after the cursor,
// or all of them when the cursor is zero. Cursors are inclusive on every
// listing: a row stamped in the same second as a client's checkpoint must
// still be returned.
func (s *Service) ListStreams(ctx context.Context, userID string, since int64) ([]remote.StreamRow, error) {
	var records []StreamRecord
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if since > 0 {
		query = query.Where("updated_at_s >= ?", since)
	}
	if err := query.Order("updated_at_s ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]remote.StreamRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, remote.StreamRow{
			ID:               record.ID,
			UserID:           record.UserID,
			Name:             record.Name,
			Description:      record.Description,
			Color:            record.Color,
			Position:         record.Position,
			CreatedAtSeconds: record.CreatedAtSeconds,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
		})
	}
	return rows, nil
}

// UpsertStream inserts or replaces the stream row.
func (s *Service) UpsertStream(ctx context.Context, userID string, row remote.StreamRow) error {
	now := s.now()
	created := row.CreatedAtSeconds
	if created == 0 {
		created = now
	}
	record := StreamRecord{
		ID:               row.ID,
		UserID:           userID,
		Name:             row.Name,
		Description:      row.Description,
		Color:            row.Color,
		Position:         row.Position,
		CreatedAtSeconds: created,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return err
	}
	s.publish(userID, "streams", row.ID, "upsert")
	return nil
}

// DeleteStream removes the stream row outright. Streams have no tombstone.
func (s *Service) DeleteStream(ctx context.Context, userID, id string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Delete(&StreamRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRowNotFound
	}
	s.publish(userID, "streams", id, "delete")
	return nil
}

// ListLocations returns the account's locations changed since the cursor,
// tombstoned rows included.
func (s *Service) ListLocations(ctx context.Context, userID string, since int64) ([]remote.LocationRow, error) {
	var records []LocationRecord
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if since > 0 {
		query = query.Where("updated_at_s >= ?", since)
	}
	if err := query.Order("updated_at_s ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]remote.LocationRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, remote.LocationRow{
			ID:               record.ID,
			UserID:           record.UserID,
			Name:             record.Name,
			Latitude:         record.Latitude,
			Longitude:        record.Longitude,
			Address:          record.Address,
			CreatedAtSeconds: record.CreatedAtSeconds,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
			DeletedAtSeconds: record.DeletedAtSeconds,
		})
	}
	return rows, nil
}

// UpsertLocation inserts or replaces the location row.
func (s *Service) UpsertLocation(ctx context.Context, userID string, row remote.LocationRow) error {
	now := s.now()
	created := row.CreatedAtSeconds
	if created == 0 {
		created = now
	}
	record := LocationRecord{
		ID:               row.ID,
		UserID:           userID,
		Name:             row.Name,
		Latitude:         row.Latitude,
		Longitude:        row.Longitude,
		Address:          row.Address,
		CreatedAtSeconds: created,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return err
	}
	s.publish(userID, "locations", row.ID, "upsert")
	return nil
}

// SoftDeleteLocation stamps the tombstone so incremental pulls see the delete.
func (s *Service) SoftDeleteLocation(ctx context.Context, userID, id string) error {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&LocationRecord{}).
		Where("user_id = ? AND id = ?", userID, id).
		Updates(map[string]interface{}{
			"deleted_at_s": now,
			"updated_at_s": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRowNotFound
	}
	s.publish(userID, "locations", id, "delete")
	return nil
}

func entryRecordToRow(record EntryRecord) (remote.EntryRow, error) {
	tags, err := journal.DecodeTags(record.TagsJSON)
	if err != nil {
		return remote.EntryRow{}, err
	}
	return remote.EntryRow{
		ID:               record.ID,
		UserID:           record.UserID,
		StreamID:         record.StreamID,
		LocationID:       record.LocationID,
		Title:            record.Title,
		Body:             record.Body,
		Tags:             tags,
		EntryDateSeconds: record.EntryDateSeconds,
		Version:          record.Version,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
		DeletedAtSeconds: record.DeletedAtSeconds,
	}, nil
}

// ListEntries returns the account's entries changed since the cursor,
// tombstoned rows included.
func (s *Service) ListEntries(ctx context.Context, userID string, since int64) ([]remote.EntryRow, error) {
	var records []EntryRecord
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if since > 0 {
		query = query.Where("updated_at_s >= ?", since)
	}
	if err := query.Order("updated_at_s ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]remote.EntryRow, 0, len(records))
	for _, record := range records {
		row, err := entryRecordToRow(record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetEntry returns one entry row, or ErrRowNotFound.
func (s *Service) GetEntry(ctx context.Context, userID, id string) (remote.EntryRow, error) {
	var record EntryRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return remote.EntryRow{}, ErrRowNotFound
	}
	if err != nil {
		return remote.EntryRow{}, err
	}
	return entryRecordToRow(record)
}

// UpsertEntry inserts or replaces the entry by primary key and returns the
// authoritative version: the incoming version for a new row, the stored
// version plus one when the row already exists.
func (s *Service) UpsertEntry(ctx context.Context, userID string, row remote.EntryRow) (int64, error) {
	tagsJSON, err := journal.EncodeTags(row.Tags)
	if err != nil {
		return 0, err
	}
	now := s.now()
	created := row.CreatedAtSeconds
	if created == 0 {
		created = now
	}

	version := row.Version
	if version <= 0 {
		version = 1
	}
	var existing EntryRecord
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, row.ID).
		Take(&existing).Error
	if err == nil {
		version = existing.Version + 1
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	record := EntryRecord{
		ID:               row.ID,
		UserID:           userID,
		StreamID:         row.StreamID,
		LocationID:       row.LocationID,
		Title:            row.Title,
		Body:             row.Body,
		TagsJSON:         tagsJSON,
		EntryDateSeconds: row.EntryDateSeconds,
		Version:          version,
		CreatedAtSeconds: created,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return 0, err
	}
	s.publish(userID, "entries", row.ID, "upsert")
	return version, nil
}

// CasEntry performs the conditional write constrained to the base version.
// It reports whether a row was affected and, on success, the new version.
func (s *Service) CasEntry(ctx context.Context, userID string, row remote.EntryRow, baseVersion int64) (bool, int64, error) {
	tagsJSON, err := journal.EncodeTags(row.Tags)
	if err != nil {
		return false, 0, err
	}
	now := s.now()
	newVersion := baseVersion + 1
	result := s.db.WithContext(ctx).Model(&EntryRecord{}).
		Where("user_id = ? AND id = ? AND version = ?", userID, row.ID, baseVersion).
		Updates(map[string]interface{}{
			"stream_id":    row.StreamID,
			"location_id":  row.LocationID,
			"title":        row.Title,
			"body":         row.Body,
			"tags_json":    tagsJSON,
			"entry_date_s": row.EntryDateSeconds,
			"version":      newVersion,
			"updated_at_s": now,
		})
	if result.Error != nil {
		return false, 0, result.Error
	}
	if result.RowsAffected == 0 {
		return false, 0, nil
	}
	s.publish(userID, "entries", row.ID, "upsert")
	return true, newVersion, nil
}

// SoftDeleteEntry stamps the tombstone so incremental pulls see the delete.
func (s *Service) SoftDeleteEntry(ctx context.Context, userID, id string) error {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&EntryRecord{}).
		Where("user_id = ? AND id = ?", userID, id).
		Updates(map[string]interface{}{
			"deleted_at_s": now,
			"updated_at_s": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRowNotFound
	}
	s.publish(userID, "entries", id, "delete")
	return nil
}

// ListAttachments returns the account's attachment rows changed since the cursor.
func (s *Service) ListAttachments(ctx context.Context, userID string, since int64) ([]remote.AttachmentRow, error) {
	var records []AttachmentRecord
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if since > 0 {
		query = query.Where("updated_at_s >= ?", since)
	}
	if err := query.Order("updated_at_s ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	rows := make([]remote.AttachmentRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, remote.AttachmentRow{
			ID:               record.ID,
			UserID:           record.UserID,
			EntryID:          record.EntryID,
			RemoteRef:        record.RemoteRef,
			MimeType:         record.MimeType,
			SizeBytes:        record.SizeBytes,
			CreatedAtSeconds: record.CreatedAtSeconds,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
		})
	}
	return rows, nil
}

// UpsertAttachment inserts or replaces the attachment metadata row.
func (s *Service) UpsertAttachment(ctx context.Context, userID string, row remote.AttachmentRow) error {
	now := s.now()
	created := row.CreatedAtSeconds
	if created == 0 {
		created = now
	}
	record := AttachmentRecord{
		ID:               row.ID,
		UserID:           userID,
		EntryID:          row.EntryID,
		RemoteRef:        row.RemoteRef,
		MimeType:         row.MimeType,
		SizeBytes:        row.SizeBytes,
		CreatedAtSeconds: created,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return err
	}
	s.publish(userID, "attachments", row.ID, "upsert")
	return nil
}

// DeleteAttachment removes the attachment metadata row outright.
func (s *Service) DeleteAttachment(ctx context.Context, userID, id string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Delete(&AttachmentRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRowNotFound
	}
	s.publish(userID, "attachments", id, "delete")
	return nil
}

// SaveAsset writes uploaded bytes under the account's asset directory and
// returns the opaque reference handed back to clients.
func (s *Service) SaveAsset(_ context.Context, userID string, data []byte) (string, error) {
	ref, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.assetDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, ref), data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

// LoadAsset reads the bytes for one reference, or ErrRowNotFound.
func (s *Service) LoadAsset(_ context.Context, userID, ref string) ([]byte, error) {
	path := filepath.Join(s.assetDir, userID, filepath.Base(ref))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RemoveAsset deletes the bytes for one reference. Missing assets are fine.
func (s *Service) RemoveAsset(_ context.Context, userID, ref string) error {
	path := filepath.Join(s.assetDir, userID, filepath.Base(ref))
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
