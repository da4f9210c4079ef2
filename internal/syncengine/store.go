package syncengine

import (
	"context"

	"github.com/pelagiclabs/tidemark/internal/journal"
)

// LocalStore is the slice of the local mirror the engine depends on. The
// gorm-backed localstore.Store satisfies it; tests may substitute.
type LocalStore interface {
	CurrentUserID() string

	UnsyncedStreams(ctx context.Context) ([]journal.Stream, error)
	UnsyncedLocations(ctx context.Context) ([]journal.Location, error)
	UnsyncedEntries(ctx context.Context) ([]journal.Entry, error)
	UnsyncedAttachments(ctx context.Context) ([]journal.Attachment, error)

	PendingDeleteStreams(ctx context.Context) ([]journal.Stream, error)
	PendingDeleteLocations(ctx context.Context) ([]journal.Location, error)
	PendingDeleteEntries(ctx context.Context) ([]journal.Entry, error)
	PendingDeleteAttachments(ctx context.Context) ([]journal.Attachment, error)

	GetStream(ctx context.Context, id string) (*journal.Stream, error)
	GetLocation(ctx context.Context, id string) (*journal.Location, error)
	GetEntry(ctx context.Context, id string) (*journal.Entry, error)
	GetAttachment(ctx context.Context, id string) (*journal.Attachment, error)
	AllStreams(ctx context.Context) ([]journal.Stream, error)

	SaveStream(ctx context.Context, row *journal.Stream) error
	SaveLocation(ctx context.Context, row *journal.Location) error
	SaveEntry(ctx context.Context, row *journal.Entry) error
	SaveAttachment(ctx context.Context, row *journal.Attachment) error

	MarkSynced(ctx context.Context, kind journal.Kind, id string) error
	RecordSyncError(ctx context.Context, kind journal.Kind, id string, message string) error
	DeleteRow(ctx context.Context, kind journal.Kind, id string) error
	UnsyncedCount(ctx context.Context) (int64, error)

	LastPulledAt(ctx context.Context) (int64, error)
	SetLastPulledAt(ctx context.Context, unixSeconds int64) error
	AppendAudit(ctx context.Context, level, category, message, countsJSON string)
}
