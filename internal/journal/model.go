package journal

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the synchronized entity kinds in dependency order.
type Kind string

const (
	KindStream     Kind = "streams"
	KindLocation   Kind = "locations"
	KindEntry      Kind = "entries"
	KindAttachment Kind = "attachments"
)

// Kinds lists all entity kinds parent-first. Push and pull both walk this order.
func Kinds() []Kind {
	return []Kind{KindStream, KindLocation, KindEntry, KindAttachment}
}

// SyncAction records the pending remote operation for a dirty row.
type SyncAction string

const (
	// SyncActionCreate marks a row born locally and never pushed.
	SyncActionCreate SyncAction = "create"
	// SyncActionUpdate marks a row modified locally after a successful push.
	SyncActionUpdate SyncAction = "update"
	// SyncActionDelete marks a row deleted locally and awaiting remote confirmation.
	SyncActionDelete SyncAction = "delete"
	// SyncActionNone is the clean state; synced rows carry no pending action.
	SyncActionNone SyncAction = ""
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("journal: invalid record id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("journal: invalid user id")
)

// RecordID represents a validated entity identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated account identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// SyncMeta carries the mutation-queue columns shared by every synchronized row.
// Invariant: Synced == false implies Action != SyncActionNone.
type SyncMeta struct {
	Synced    bool       `gorm:"column:synced;not null;default:false;index"`
	Action    SyncAction `gorm:"column:sync_action;size:16;not null;default:''"`
	SyncError *string    `gorm:"column:sync_error;type:text"`
}

// Dirty reports whether the row has diverged from the last known server state.
func (m SyncMeta) Dirty() bool {
	return !m.Synced
}

// Stream is a grouping container for entries. Streams have no version counter
// and are hard-deleted on both sides.
type Stream struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_streams_user,priority:1"`
	Name             string `gorm:"column:name;size:190;not null"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	Color            string `gorm:"column:color;size:32;not null;default:''"`
	Position         int64  `gorm:"column:position;not null;default:0"`
	LocalOnly        bool   `gorm:"column:local_only;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_streams_user,priority:2"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Stream) TableName() string {
	return "streams"
}

// Location is a geocoded place referenced by entries. Version-less and
// soft-deleted: DeletedAtSeconds marks the row until the remote confirms.
type Location struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_locations_user,priority:1"`
	Name             string  `gorm:"column:name;size:190;not null"`
	Latitude         float64 `gorm:"column:latitude;not null"`
	Longitude        float64 `gorm:"column:longitude;not null"`
	Address          string  `gorm:"column:address;type:text;not null;default:''"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_locations_user,priority:2"`
	DeletedAtSeconds *int64  `gorm:"column:deleted_at_s"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Location) TableName() string {
	return "locations"
}

// Entry is the primary content record. Entries carry the optimistic-lock
// counters: Version is the latest counter known locally and BaseVersion is the
// server version this local copy was derived from. Invariant: Version >= BaseVersion.
type Entry struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_entries_user,priority:1"`
	StreamID         string  `gorm:"column:stream_id;size:190;not null;index"`
	LocationID       *string `gorm:"column:location_id;size:190"`
	Title            string  `gorm:"column:title;size:500;not null;default:''"`
	Body             string  `gorm:"column:body;type:text;not null;default:''"`
	TagsJSON         string  `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	EntryDateSeconds int64   `gorm:"column:entry_date_s;not null;default:0"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	BaseVersion      int64   `gorm:"column:base_version;not null;default:1"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_entries_user,priority:2"`
	DeletedAtSeconds *int64  `gorm:"column:deleted_at_s"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// Attachment is a binary-backed child of an Entry. Uploading the bytes and
// syncing the metadata row are two independent completion phases: Uploaded
// tracks the former, SyncMeta the latter.
type Attachment struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_attachments_user,priority:1"`
	EntryID          string `gorm:"column:entry_id;size:190;not null;index"`
	LocalPath        string `gorm:"column:local_path;type:text;not null;default:''"`
	RemoteRef        string `gorm:"column:remote_ref;type:text;not null;default:''"`
	MimeType         string `gorm:"column:mime_type;size:190;not null;default:''"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null;default:0"`
	Uploaded         bool   `gorm:"column:uploaded;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_attachments_user,priority:2"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// AuditRecord is an append-only row written once per sync cycle.
type AuditRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Level            string `gorm:"column:level;size:16;not null"`
	Category         string `gorm:"column:category;size:64;not null"`
	Message          string `gorm:"column:message;type:text;not null"`
	CountsJSON       string `gorm:"column:counts_json;type:text;not null;default:'{}'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (AuditRecord) TableName() string {
	return "sync_audit"
}
