// Package remote defines the contract the sync engine holds against the
// hosted backend: a filtered row store with an incremental cursor, a
// compare-and-swap update for versioned entries, and a change feed.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the remote row or asset does not exist.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnauthorized indicates the session token was rejected.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrPermissionDenied indicates the row exists outside the session's
	// scope or is otherwise not writable. On deletes this is treated as
	// "already gone".
	ErrPermissionDenied = errors.New("remote: permission denied")
)

// ChangeOp enumerates the operations carried by the change feed.
type ChangeOp string

const (
	ChangeOpUpsert ChangeOp = "upsert"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeEvent is one notification from the remote change feed.
type ChangeEvent struct {
	Table    string   `json:"table"`
	RecordID string   `json:"record_id"`
	Op       ChangeOp `json:"op"`
}

// StreamRow is the wire representation of a stream.
type StreamRow struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Color            string `json:"color"`
	Position         int64  `json:"position"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// LocationRow is the wire representation of a location. A non-nil
// DeletedAtSeconds is the tombstone marker.
type LocationRow struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	Name             string  `json:"name"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Address          string  `json:"address"`
	CreatedAtSeconds int64   `json:"created_at_s"`
	UpdatedAtSeconds int64   `json:"updated_at_s"`
	DeletedAtSeconds *int64  `json:"deleted_at_s,omitempty"`
}

// EntryRow is the wire representation of an entry. Tags travel as a real
// array; the text encoding is a local storage concern. A non-nil
// DeletedAtSeconds is the tombstone marker.
type EntryRow struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	StreamID         string   `json:"stream_id"`
	LocationID       *string  `json:"location_id,omitempty"`
	Title            string   `json:"title"`
	Body             string   `json:"body"`
	Tags             []string `json:"tags"`
	EntryDateSeconds int64    `json:"entry_date_s"`
	Version          int64    `json:"version"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
	DeletedAtSeconds *int64   `json:"deleted_at_s,omitempty"`
}

// AttachmentRow is the wire representation of an attachment metadata row.
type AttachmentRow struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	EntryID          string `json:"entry_id"`
	RemoteRef        string `json:"remote_ref"`
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// Store is the remote relational backend as seen by the sync engine. The
// session identity is bound at construction; every call is scoped to the
// authenticated account. List calls with updatedSince == 0 return the full
// row set for the account; a non-zero cursor is inclusive, so rows stamped
// exactly at updatedSince are returned again.
type Store interface {
	ListStreams(ctx context.Context, updatedSince int64) ([]StreamRow, error)
	ListLocations(ctx context.Context, updatedSince int64) ([]LocationRow, error)
	ListEntries(ctx context.Context, updatedSince int64) ([]EntryRow, error)
	ListAttachments(ctx context.Context, updatedSince int64) ([]AttachmentRow, error)

	GetEntry(ctx context.Context, id string) (*EntryRow, error)

	UpsertStream(ctx context.Context, row StreamRow) error
	UpsertLocation(ctx context.Context, row LocationRow) error
	// UpsertEntry inserts or replaces the entry by primary key and returns
	// the server-assigned version.
	UpsertEntry(ctx context.Context, row EntryRow) (int64, error)
	// UpdateEntryIfVersion performs a conditional write constrained to
	// id = row.ID AND version = baseVersion. It reports whether any row was
	// affected and, on success, the new server version.
	UpdateEntryIfVersion(ctx context.Context, row EntryRow, baseVersion int64) (bool, int64, error)
	UpsertAttachment(ctx context.Context, row AttachmentRow) error

	SoftDeleteEntry(ctx context.Context, id string) error
	SoftDeleteLocation(ctx context.Context, id string) error
	DeleteStream(ctx context.Context, id string) error
	DeleteAttachment(ctx context.Context, id string) error

	// Subscribe opens the change feed for the given tables. The returned
	// cancel function is idempotent.
	Subscribe(ctx context.Context, tables []string) (<-chan ChangeEvent, func(), error)
}

// BinaryStore moves attachment bytes. The engine orchestrates call order and
// records outcomes; it never touches the bytes themselves.
type BinaryStore interface {
	Upload(ctx context.Context, localPath string) (string, error)
	Download(ctx context.Context, remoteRef string) ([]byte, error)
	Remove(ctx context.Context, remoteRef string) error
}
