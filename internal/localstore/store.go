package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelagiclabs/tidemark/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrUnknownKind indicates a kind value outside the four synchronized tables.
	ErrUnknownKind = errors.New("localstore: unknown entity kind")
)

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opStoreNew     = "localstore.new"
	opMarkSynced   = "localstore.mark_synced"
	opRecordError  = "localstore.record_error"
	opDeleteRow    = "localstore.delete_row"
	opQuery        = "localstore.query"
	opSave         = "localstore.save"
	opUnsyncedScan = "localstore.unsynced_count"
)

// StoreConfig wires the dependencies for the local mirror store.
type StoreConfig struct {
	Database   *gorm.DB
	UserID     string
	Clock      func() time.Time
	IDProvider journal.IDProvider
	Logger     *zap.Logger
}

// Store is the gorm-backed local mirror: the mutation queue, the pull
// checkpoint, and the sync audit log all live behind it.
type Store struct {
	db         *gorm.DB
	userID     string
	clock      func() time.Time
	idProvider journal.IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	userID, err := journal.NewUserID(cfg.UserID)
	if err != nil {
		return nil, newStoreError(opStoreNew, "user_id", err)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		userID:     userID.String(),
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CurrentUserID returns the account identifier this mirror belongs to.
func (s *Store) CurrentUserID() string {
	return s.userID
}

func (s *Store) scoped(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("user_id = ?", s.userID)
}

// UnsyncedStreams returns dirty streams excluding pending deletes, oldest first.
func (s *Store) UnsyncedStreams(ctx context.Context) ([]journal.Stream, error) {
	var rows []journal.Stream
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action <> ?", false, journal.SyncActionDelete).
		Order("updated_at_s ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "unsynced_streams", err)
	}
	return rows, nil
}

// UnsyncedLocations returns dirty locations excluding pending deletes, oldest first.
func (s *Store) UnsyncedLocations(ctx context.Context) ([]journal.Location, error) {
	var rows []journal.Location
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action <> ?", false, journal.SyncActionDelete).
		Order("updated_at_s ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "unsynced_locations", err)
	}
	return rows, nil
}

// UnsyncedEntries returns dirty entries excluding pending deletes, oldest first.
func (s *Store) UnsyncedEntries(ctx context.Context) ([]journal.Entry, error) {
	var rows []journal.Entry
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action <> ?", false, journal.SyncActionDelete).
		Order("updated_at_s ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "unsynced_entries", err)
	}
	return rows, nil
}

// UnsyncedAttachments returns dirty attachments excluding pending deletes, oldest first.
func (s *Store) UnsyncedAttachments(ctx context.Context) ([]journal.Attachment, error) {
	var rows []journal.Attachment
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action <> ?", false, journal.SyncActionDelete).
		Order("updated_at_s ASC").
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "unsynced_attachments", err)
	}
	return rows, nil
}

// PendingDeleteEntries returns entries awaiting a remote delete.
func (s *Store) PendingDeleteEntries(ctx context.Context) ([]journal.Entry, error) {
	var rows []journal.Entry
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action = ?", false, journal.SyncActionDelete).
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "pending_delete_entries", err)
	}
	return rows, nil
}

// PendingDeleteLocations returns locations awaiting a remote delete.
func (s *Store) PendingDeleteLocations(ctx context.Context) ([]journal.Location, error) {
	var rows []journal.Location
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action = ?", false, journal.SyncActionDelete).
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "pending_delete_locations", err)
	}
	return rows, nil
}

// PendingDeleteAttachments returns attachments awaiting a remote delete.
func (s *Store) PendingDeleteAttachments(ctx context.Context) ([]journal.Attachment, error) {
	var rows []journal.Attachment
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action = ?", false, journal.SyncActionDelete).
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "pending_delete_attachments", err)
	}
	return rows, nil
}

// PendingDeleteStreams returns streams awaiting a remote delete.
func (s *Store) PendingDeleteStreams(ctx context.Context) ([]journal.Stream, error) {
	var rows []journal.Stream
	err := s.scoped(ctx).
		Where("synced = ? AND sync_action = ?", false, journal.SyncActionDelete).
		Find(&rows).Error
	if err != nil {
		return nil, newStoreError(opQuery, "pending_delete_streams", err)
	}
	return rows, nil
}

// GetStream returns the stream with the given id, or nil when absent.
func (s *Store) GetStream(ctx context.Context, id string) (*journal.Stream, error) {
	var row journal.Stream
	err := s.scoped(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opQuery, "get_stream", err)
	}
	return &row, nil
}

// GetLocation returns the location with the given id, or nil when absent.
func (s *Store) GetLocation(ctx context.Context, id string) (*journal.Location, error) {
	var row journal.Location
	err := s.scoped(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opQuery, "get_location", err)
	}
	return &row, nil
}

// GetEntry returns the entry with the given id, or nil when absent.
func (s *Store) GetEntry(ctx context.Context, id string) (*journal.Entry, error) {
	var row journal.Entry
	err := s.scoped(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opQuery, "get_entry", err)
	}
	return &row, nil
}

// GetAttachment returns the attachment with the given id, or nil when absent.
func (s *Store) GetAttachment(ctx context.Context, id string) (*journal.Attachment, error) {
	var row journal.Attachment
	err := s.scoped(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opQuery, "get_attachment", err)
	}
	return &row, nil
}

// AllStreams returns every stream row for the current user.
func (s *Store) AllStreams(ctx context.Context) ([]journal.Stream, error) {
	var rows []journal.Stream
	if err := s.scoped(ctx).Find(&rows).Error; err != nil {
		return nil, newStoreError(opQuery, "all_streams", err)
	}
	return rows, nil
}

// SaveStream upserts the stream row.
func (s *Store) SaveStream(ctx context.Context, row *journal.Stream) error {
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return newStoreError(opSave, "stream", err)
	}
	return nil
}

// SaveLocation upserts the location row.
func (s *Store) SaveLocation(ctx context.Context, row *journal.Location) error {
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return newStoreError(opSave, "location", err)
	}
	return nil
}

// SaveEntry upserts the entry row.
func (s *Store) SaveEntry(ctx context.Context, row *journal.Entry) error {
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return newStoreError(opSave, "entry", err)
	}
	return nil
}

// SaveAttachment upserts the attachment row.
func (s *Store) SaveAttachment(ctx context.Context, row *journal.Attachment) error {
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return newStoreError(opSave, "attachment", err)
	}
	return nil
}

func modelForKind(kind journal.Kind) (interface{}, error) {
	switch kind {
	case journal.KindStream:
		return &journal.Stream{}, nil
	case journal.KindLocation:
		return &journal.Location{}, nil
	case journal.KindEntry:
		return &journal.Entry{}, nil
	case journal.KindAttachment:
		return &journal.Attachment{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// MarkSynced clears the mutation-queue columns for one row: synced is set,
// the pending action and any recorded error are cleared.
func (s *Store) MarkSynced(ctx context.Context, kind journal.Kind, id string) error {
	model, err := modelForKind(kind)
	if err != nil {
		return newStoreError(opMarkSynced, "kind", err)
	}
	updates := map[string]interface{}{
		"synced":      true,
		"sync_action": string(journal.SyncActionNone),
		"sync_error":  nil,
	}
	result := s.scoped(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return newStoreError(opMarkSynced, string(kind), result.Error)
	}
	return nil
}

// RecordSyncError persists a per-item failure diagnostic without touching the
// dirty flag, so the row is retried on the next cycle.
func (s *Store) RecordSyncError(ctx context.Context, kind journal.Kind, id string, message string) error {
	model, err := modelForKind(kind)
	if err != nil {
		return newStoreError(opRecordError, "kind", err)
	}
	result := s.scoped(ctx).Model(model).Where("id = ?", id).Update("sync_error", message)
	if result.Error != nil {
		return newStoreError(opRecordError, string(kind), result.Error)
	}
	return nil
}

// DeleteRow removes one row from the local mirror. Used when a remote delete
// is confirmed and when a pulled tombstone names a local row.
func (s *Store) DeleteRow(ctx context.Context, kind journal.Kind, id string) error {
	model, err := modelForKind(kind)
	if err != nil {
		return newStoreError(opDeleteRow, "kind", err)
	}
	result := s.scoped(ctx).Where("id = ?", id).Delete(model)
	if result.Error != nil {
		return newStoreError(opDeleteRow, string(kind), result.Error)
	}
	return nil
}

// UnsyncedCount reports the total number of dirty rows across all four kinds.
func (s *Store) UnsyncedCount(ctx context.Context) (int64, error) {
	var total int64
	for _, kind := range journal.Kinds() {
		model, err := modelForKind(kind)
		if err != nil {
			return 0, newStoreError(opUnsyncedScan, "kind", err)
		}
		var count int64
		if err := s.scoped(ctx).Model(model).Where("synced = ?", false).Count(&count).Error; err != nil {
			return 0, newStoreError(opUnsyncedScan, string(kind), err)
		}
		total += count
	}
	return total, nil
}
