package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("remote store is required")
	errMissingBinary = errors.New("binary store is required")
	noOpLogger       = zap.NewNop()
)

const (
	opPushStreams           = "sync.push.streams"
	opPushLocations         = "sync.push.locations"
	opPushEntries           = "sync.push.entries"
	opPushAttachments       = "sync.push.attachments"
	opPushEntryDeletes      = "sync.push.entry_deletes"
	opPushLocationDeletes   = "sync.push.location_deletes"
	opPushAttachmentDeletes = "sync.push.attachment_deletes"
	opPushStreamDeletes     = "sync.push.stream_deletes"
)

// PusherConfig wires the dependencies of the push orchestrator.
type PusherConfig struct {
	Store  LocalStore
	Remote remote.Store
	Binary remote.BinaryStore
	Logger *zap.Logger
	Clock  func() time.Time
}

// Pusher drains dirty local rows to the remote store in dependency order:
// streams, locations, entries, attachments, then deletes. One item's failure
// is recorded on the row and never stops the batch.
type Pusher struct {
	store  LocalStore
	remote remote.Store
	binary remote.BinaryStore
	logger *zap.Logger
	clock  func() time.Time
}

// NewPusher validates the configuration and returns a Pusher.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Binary == nil {
		return nil, errMissingBinary
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pusher{
		store:  cfg.Store,
		remote: cfg.Remote,
		binary: cfg.Binary,
		logger: logger,
		clock:  clock,
	}, nil
}

// Push runs every phase in its fixed order and reports per-phase counts.
// Push never aborts mid-batch; failures are visible only through the counts
// and the per-row sync_error column.
func (p *Pusher) Push(ctx context.Context) PushResult {
	result := PushResult{}
	localOnly := p.localOnlyStreams(ctx)

	result.Streams = p.pushStreams(ctx)
	result.Locations = p.pushLocations(ctx)
	result.Entries = p.pushEntries(ctx, localOnly)
	result.Attachments = p.pushAttachments(ctx, localOnly)
	result.EntryDeletes = p.pushEntryDeletes(ctx, localOnly)
	result.LocationDeletes = p.pushLocationDeletes(ctx)
	result.AttachmentDeletes = p.pushAttachmentDeletes(ctx)
	result.StreamDeletes = p.pushStreamDeletes(ctx)

	return result
}

// localOnlyStreams returns the set of stream ids flagged to never leave the
// device. A lookup failure degrades to an empty set; affected rows then fail
// individually and retry next cycle.
func (p *Pusher) localOnlyStreams(ctx context.Context) map[string]bool {
	flagged := make(map[string]bool)
	streams, err := p.store.AllStreams(ctx)
	if err != nil {
		p.logger.Warn("local-only stream scan failed", zap.Error(err))
		return flagged
	}
	for _, stream := range streams {
		if stream.LocalOnly {
			flagged[stream.ID] = true
		}
	}
	return flagged
}

func (p *Pusher) recordFailure(ctx context.Context, operation string, kind journal.Kind, id string, err error, phase *PhaseResult) {
	phase.Errors++
	p.logger.Warn("push item failed",
		zap.String("operation", operation),
		zap.String("id", id),
		zap.Error(err))
	if recordErr := p.store.RecordSyncError(ctx, kind, id, err.Error()); recordErr != nil {
		p.logger.Error("sync error persistence failed",
			zap.String("operation", operation),
			zap.String("id", id),
			zap.Error(recordErr))
	}
}

func (p *Pusher) pushStreams(ctx context.Context) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.UnsyncedStreams(ctx)
	if err != nil {
		p.logger.Error("unsynced stream fetch failed", zap.Error(err))
		return phase
	}
	for _, row := range rows {
		if row.LocalOnly {
			if err := p.store.MarkSynced(ctx, journal.KindStream, row.ID); err != nil {
				p.recordFailure(ctx, opPushStreams, journal.KindStream, row.ID, err, &phase)
				continue
			}
			phase.Success++
			continue
		}
		if err := p.remote.UpsertStream(ctx, remote.StreamRowFromModel(row)); err != nil {
			p.recordFailure(ctx, opPushStreams, journal.KindStream, row.ID, err, &phase)
			continue
		}
		if err := p.store.MarkSynced(ctx, journal.KindStream, row.ID); err != nil {
			p.recordFailure(ctx, opPushStreams, journal.KindStream, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

func (p *Pusher) pushLocations(ctx context.Context) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.UnsyncedLocations(ctx)
	if err != nil {
		p.logger.Error("unsynced location fetch failed", zap.Error(err))
		return phase
	}
	for _, row := range rows {
		if err := p.remote.UpsertLocation(ctx, remote.LocationRowFromModel(row)); err != nil {
			p.recordFailure(ctx, opPushLocations, journal.KindLocation, row.ID, err, &phase)
			continue
		}
		if err := p.store.MarkSynced(ctx, journal.KindLocation, row.ID); err != nil {
			p.recordFailure(ctx, opPushLocations, journal.KindLocation, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

func (p *Pusher) pushEntries(ctx context.Context, localOnly map[string]bool) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.UnsyncedEntries(ctx)
	if err != nil {
		p.logger.Error("unsynced entry fetch failed", zap.Error(err))
		return phase
	}
	for index := range rows {
		row := rows[index]
		if localOnly[row.StreamID] {
			if err := p.store.MarkSynced(ctx, journal.KindEntry, row.ID); err != nil {
				p.recordFailure(ctx, opPushEntries, journal.KindEntry, row.ID, err, &phase)
				continue
			}
			phase.Success++
			continue
		}
		if err := p.pushEntry(ctx, &row); err != nil {
			p.recordFailure(ctx, opPushEntries, journal.KindEntry, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

// pushEntry runs the optimistic-locking protocol for one entry. Creates are
// plain upserts; updates are conditional writes on the base version, with a
// whole-row server-wins adoption when the condition misses.
func (p *Pusher) pushEntry(ctx context.Context, row *journal.Entry) error {
	wireRow, err := remote.EntryRowFromModel(*row)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	if row.Action == journal.SyncActionCreate {
		serverVersion, err := p.remote.UpsertEntry(ctx, wireRow)
		if err != nil {
			return err
		}
		return p.adoptPushedVersion(ctx, row, serverVersion)
	}

	affected, serverVersion, err := p.remote.UpdateEntryIfVersion(ctx, wireRow, row.BaseVersion)
	if err != nil {
		return err
	}
	if affected {
		return p.adoptPushedVersion(ctx, row, serverVersion)
	}

	// Lost-update conflict: someone advanced the server row past our base
	// version. Resolution is whole-row server-wins, no field merge.
	serverRow, err := p.remote.GetEntry(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("conflict fetch: %w", err)
	}
	if serverRow == nil {
		// The row vanished between the conditional write and the fetch.
		// Recreate it from the local copy.
		serverVersion, err := p.remote.UpsertEntry(ctx, wireRow)
		if err != nil {
			return err
		}
		return p.adoptPushedVersion(ctx, row, serverVersion)
	}

	if serverRow.Deleted() {
		// A tombstoned server row wins as a delete, not as content.
		if err := p.store.DeleteRow(ctx, journal.KindEntry, row.ID); err != nil {
			return err
		}
		p.logger.Info("entry conflict resolved server-wins",
			zap.String("id", row.ID),
			zap.Int64("local_base_version", row.BaseVersion),
			zap.Int64("server_version", serverRow.Version))
		return nil
	}

	adopted, err := serverRow.Model()
	if err != nil {
		return fmt.Errorf("decode server entry: %w", err)
	}
	if err := p.store.SaveEntry(ctx, &adopted); err != nil {
		return err
	}
	p.logger.Info("entry conflict resolved server-wins",
		zap.String("id", row.ID),
		zap.Int64("local_base_version", row.BaseVersion),
		zap.Int64("server_version", serverRow.Version))
	return nil
}

func (p *Pusher) adoptPushedVersion(ctx context.Context, row *journal.Entry, serverVersion int64) error {
	row.Version = serverVersion
	row.BaseVersion = serverVersion
	row.Synced = true
	row.Action = journal.SyncActionNone
	row.SyncError = nil
	return p.store.SaveEntry(ctx, row)
}

func (p *Pusher) pushAttachments(ctx context.Context, localOnly map[string]bool) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.UnsyncedAttachments(ctx)
	if err != nil {
		p.logger.Error("unsynced attachment fetch failed", zap.Error(err))
		return phase
	}
	for index := range rows {
		row := rows[index]

		parent, err := p.store.GetEntry(ctx, row.EntryID)
		if err != nil {
			p.recordFailure(ctx, opPushAttachments, journal.KindAttachment, row.ID, err, &phase)
			continue
		}
		if parent == nil {
			// Orphan: the parent entry is gone locally. Clean up silently.
			if err := p.store.DeleteRow(ctx, journal.KindAttachment, row.ID); err != nil {
				p.logger.Warn("orphan attachment cleanup failed",
					zap.String("id", row.ID), zap.Error(err))
			}
			continue
		}
		if localOnly[parent.StreamID] {
			if err := p.store.MarkSynced(ctx, journal.KindAttachment, row.ID); err != nil {
				p.recordFailure(ctx, opPushAttachments, journal.KindAttachment, row.ID, err, &phase)
				continue
			}
			phase.Success++
			continue
		}

		// Phase one: the binary upload. Tracked by the uploaded flag,
		// independent of metadata sync.
		if !row.Uploaded {
			ref, err := p.binary.Upload(ctx, row.LocalPath)
			if err != nil {
				p.recordFailure(ctx, opPushAttachments, journal.KindAttachment, row.ID, err, &phase)
				continue
			}
			row.RemoteRef = ref
			row.Uploaded = true
			if err := p.store.SaveAttachment(ctx, &row); err != nil {
				p.recordFailure(ctx, opPushAttachments, journal.KindAttachment, row.ID, err, &phase)
				continue
			}
		}

		// Phase two: the metadata row.
		if err := p.remote.UpsertAttachment(ctx, remote.AttachmentRowFromModel(row)); err != nil {
			p.recordFailure(ctx, opPushAttachments, journal.KindAttachment, row.ID, err, &phase)
			continue
		}
		if err := p.store.MarkSynced(ctx, journal.KindAttachment, row.ID); err != nil {
			p.recordFailure(ctx, opPushAttachments, journal.KindAttachment, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

// alreadyGone reports whether a delete rejection is consistent with the row
// no longer existing remotely, which makes the delete idempotent.
func alreadyGone(err error) bool {
	return errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrPermissionDenied)
}

func (p *Pusher) pushEntryDeletes(ctx context.Context, localOnly map[string]bool) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.PendingDeleteEntries(ctx)
	if err != nil {
		p.logger.Error("pending entry delete fetch failed", zap.Error(err))
		return phase
	}
	for _, row := range rows {
		if !localOnly[row.StreamID] {
			if err := p.remote.SoftDeleteEntry(ctx, row.ID); err != nil && !alreadyGone(err) {
				p.recordFailure(ctx, opPushEntryDeletes, journal.KindEntry, row.ID, err, &phase)
				continue
			}
		}
		if err := p.store.DeleteRow(ctx, journal.KindEntry, row.ID); err != nil {
			p.recordFailure(ctx, opPushEntryDeletes, journal.KindEntry, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

func (p *Pusher) pushLocationDeletes(ctx context.Context) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.PendingDeleteLocations(ctx)
	if err != nil {
		p.logger.Error("pending location delete fetch failed", zap.Error(err))
		return phase
	}
	for _, row := range rows {
		if err := p.remote.SoftDeleteLocation(ctx, row.ID); err != nil && !alreadyGone(err) {
			p.recordFailure(ctx, opPushLocationDeletes, journal.KindLocation, row.ID, err, &phase)
			continue
		}
		if err := p.store.DeleteRow(ctx, journal.KindLocation, row.ID); err != nil {
			p.recordFailure(ctx, opPushLocationDeletes, journal.KindLocation, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

func (p *Pusher) pushAttachmentDeletes(ctx context.Context) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.PendingDeleteAttachments(ctx)
	if err != nil {
		p.logger.Error("pending attachment delete fetch failed", zap.Error(err))
		return phase
	}
	for _, row := range rows {
		if row.RemoteRef != "" {
			if err := p.binary.Remove(ctx, row.RemoteRef); err != nil && !alreadyGone(err) {
				p.recordFailure(ctx, opPushAttachmentDeletes, journal.KindAttachment, row.ID, err, &phase)
				continue
			}
		}
		if err := p.remote.DeleteAttachment(ctx, row.ID); err != nil && !alreadyGone(err) {
			p.recordFailure(ctx, opPushAttachmentDeletes, journal.KindAttachment, row.ID, err, &phase)
			continue
		}
		if err := p.store.DeleteRow(ctx, journal.KindAttachment, row.ID); err != nil {
			p.recordFailure(ctx, opPushAttachmentDeletes, journal.KindAttachment, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}

func (p *Pusher) pushStreamDeletes(ctx context.Context) PhaseResult {
	phase := PhaseResult{}
	rows, err := p.store.PendingDeleteStreams(ctx)
	if err != nil {
		p.logger.Error("pending stream delete fetch failed", zap.Error(err))
		return phase
	}
	for _, row := range rows {
		if !row.LocalOnly {
			if err := p.remote.DeleteStream(ctx, row.ID); err != nil && !alreadyGone(err) {
				p.recordFailure(ctx, opPushStreamDeletes, journal.KindStream, row.ID, err, &phase)
				continue
			}
		}
		if err := p.store.DeleteRow(ctx, journal.KindStream, row.ID); err != nil {
			p.recordFailure(ctx, opPushStreamDeletes, journal.KindStream, row.ID, err, &phase)
			continue
		}
		phase.Success++
	}
	return phase
}
