package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"go.uber.org/zap"
)

const (
	opPullStreams     = "sync.pull.streams"
	opPullLocations   = "sync.pull.locations"
	opPullEntries     = "sync.pull.entries"
	opPullAttachments = "sync.pull.attachments"
)

// PullerConfig wires the dependencies of the pull orchestrator.
type PullerConfig struct {
	Store  LocalStore
	Remote remote.Store
	Logger *zap.Logger
	Clock  func() time.Time
}

// Puller merges remote deltas into the local mirror. A locally dirty row is
// never overwritten, tombstones delete local copies, and clean rows are only
// rewritten when the remote copy is strictly newer.
type Puller struct {
	store  LocalStore
	remote remote.Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewPuller validates the configuration and returns a Puller.
func NewPuller(cfg PullerConfig) (*Puller, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Puller{
		store:  cfg.Store,
		remote: cfg.Remote,
		logger: logger,
		clock:  clock,
	}, nil
}

// Pull fetches remote rows changed since the checkpoint (or the full account
// snapshot when forced, when no checkpoint exists, or when the mirror is
// empty) and merges them. The checkpoint advances only after every kind has
// been processed.
func (p *Puller) Pull(ctx context.Context, force bool) (PullResult, error) {
	result := PullResult{}

	since, err := p.cursor(ctx, force)
	if err != nil {
		return result, err
	}
	// Track the newest remote timestamp seen so the checkpoint follows the
	// backend clock, not the device clock. Remote listings treat the cursor
	// as inclusive, so a row stamped in the checkpoint second is fetched
	// again on the next cycle rather than lost at the boundary.
	maxSeen := since

	if result.Streams, err = p.pullStreams(ctx, &maxSeen, &result.ReflaggedStreams); err != nil {
		return result, err
	}
	if result.Locations, err = p.pullLocations(ctx, since, &maxSeen); err != nil {
		return result, err
	}
	if result.Entries, err = p.pullEntries(ctx, since, &maxSeen); err != nil {
		return result, err
	}
	if result.Attachments, err = p.pullAttachments(ctx, since, &maxSeen, &result.PrefetchRefs); err != nil {
		return result, err
	}

	if err := p.store.SetLastPulledAt(ctx, maxSeen); err != nil {
		return result, fmt.Errorf("checkpoint write: %w", err)
	}
	return result, nil
}

// cursor resolves the incremental lower bound. Zero means full snapshot.
func (p *Puller) cursor(ctx context.Context, force bool) (int64, error) {
	if force {
		return 0, nil
	}
	checkpoint, err := p.store.LastPulledAt(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpoint read: %w", err)
	}
	if checkpoint == 0 {
		return 0, nil
	}
	streams, err := p.store.AllStreams(ctx)
	if err != nil {
		return 0, fmt.Errorf("mirror scan: %w", err)
	}
	if len(streams) == 0 {
		// Empty mirror with a stale checkpoint: a wiped device must
		// resnapshot rather than trust the old cursor.
		return 0, nil
	}
	return checkpoint, nil
}

func observe(maxSeen *int64, values ...int64) {
	for _, value := range values {
		if value > *maxSeen {
			*maxSeen = value
		}
	}
}

// pullStreams always fetches the complete stream listing. The listing doubles
// as the ground truth for reconciliation: a locally clean stream the remote
// does not know about is assumed to be a lost push, not a deletion, and is
// re-flagged dirty instead of removed.
func (p *Puller) pullStreams(ctx context.Context, maxSeen *int64, reflagged *int) (PullKindResult, error) {
	kindResult := PullKindResult{}
	rows, err := p.remote.ListStreams(ctx, 0)
	if err != nil {
		return kindResult, fmt.Errorf("%s: %w", opPullStreams, err)
	}

	remoteIDs := make(map[string]bool, len(rows))
	for _, row := range rows {
		remoteIDs[row.ID] = true
		observe(maxSeen, row.UpdatedAtSeconds)

		local, err := p.store.GetStream(ctx, row.ID)
		if err != nil {
			return kindResult, fmt.Errorf("%s: %w", opPullStreams, err)
		}
		switch {
		case local == nil:
			model := row.Model()
			if err := p.store.SaveStream(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullStreams, err)
			}
			kindResult.Applied++
		case local.Dirty():
			kindResult.Skipped++
		case streamContentEqual(*local, row):
			kindResult.Skipped++
		default:
			model := row.Model()
			if err := p.store.SaveStream(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullStreams, err)
			}
			kindResult.Applied++
		}
	}

	locals, err := p.store.AllStreams(ctx)
	if err != nil {
		return kindResult, fmt.Errorf("%s: %w", opPullStreams, err)
	}
	for index := range locals {
		local := locals[index]
		if local.LocalOnly || local.Dirty() || remoteIDs[local.ID] {
			continue
		}
		local.Synced = false
		local.Action = journal.SyncActionCreate
		if err := p.store.SaveStream(ctx, &local); err != nil {
			return kindResult, fmt.Errorf("%s: %w", opPullStreams, err)
		}
		*reflagged++
		p.logger.Info("stream missing remotely, re-flagged for push",
			zap.String("id", local.ID))
	}
	return kindResult, nil
}

func streamContentEqual(local journal.Stream, row remote.StreamRow) bool {
	return local.Name == row.Name &&
		local.Description == row.Description &&
		local.Color == row.Color &&
		local.Position == row.Position &&
		local.CreatedAtSeconds == row.CreatedAtSeconds &&
		local.UpdatedAtSeconds == row.UpdatedAtSeconds
}

func (p *Puller) pullLocations(ctx context.Context, since int64, maxSeen *int64) (PullKindResult, error) {
	kindResult := PullKindResult{}
	rows, err := p.remote.ListLocations(ctx, since)
	if err != nil {
		return kindResult, fmt.Errorf("%s: %w", opPullLocations, err)
	}
	for _, row := range rows {
		observe(maxSeen, row.UpdatedAtSeconds)
		if row.DeletedAtSeconds != nil {
			observe(maxSeen, *row.DeletedAtSeconds)
		}

		local, err := p.store.GetLocation(ctx, row.ID)
		if err != nil {
			return kindResult, fmt.Errorf("%s: %w", opPullLocations, err)
		}
		if row.Deleted() {
			if local == nil {
				continue
			}
			if local.Dirty() {
				kindResult.Skipped++
				continue
			}
			if err := p.store.DeleteRow(ctx, journal.KindLocation, row.ID); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullLocations, err)
			}
			kindResult.Deleted++
			continue
		}
		switch {
		case local == nil:
			model := row.Model()
			if err := p.store.SaveLocation(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullLocations, err)
			}
			kindResult.Applied++
		case local.Dirty():
			kindResult.Skipped++
		case locationContentEqual(*local, row):
			kindResult.Skipped++
		default:
			model := row.Model()
			if err := p.store.SaveLocation(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullLocations, err)
			}
			kindResult.Applied++
		}
	}
	return kindResult, nil
}

func locationContentEqual(local journal.Location, row remote.LocationRow) bool {
	return local.Name == row.Name &&
		local.Latitude == row.Latitude &&
		local.Longitude == row.Longitude &&
		local.Address == row.Address &&
		local.CreatedAtSeconds == row.CreatedAtSeconds &&
		local.UpdatedAtSeconds == row.UpdatedAtSeconds
}

func (p *Puller) pullEntries(ctx context.Context, since int64, maxSeen *int64) (PullKindResult, error) {
	kindResult := PullKindResult{}
	rows, err := p.remote.ListEntries(ctx, since)
	if err != nil {
		return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
	}
	for _, row := range rows {
		observe(maxSeen, row.UpdatedAtSeconds)
		if row.DeletedAtSeconds != nil {
			observe(maxSeen, *row.DeletedAtSeconds)
		}

		local, err := p.store.GetEntry(ctx, row.ID)
		if err != nil {
			return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
		}
		if row.Deleted() {
			if local == nil {
				continue
			}
			if local.Dirty() {
				kindResult.Skipped++
				continue
			}
			if err := p.store.DeleteRow(ctx, journal.KindEntry, row.ID); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
			}
			kindResult.Deleted++
			continue
		}
		switch {
		case local == nil:
			model, err := row.Model()
			if err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
			}
			if err := p.store.SaveEntry(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
			}
			kindResult.Applied++
		case local.Dirty():
			// The no-clobber rule: a pending local edit always survives a
			// pull, regardless of remote recency.
			kindResult.Skipped++
		case row.Version > local.Version:
			model, err := row.Model()
			if err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
			}
			if err := p.store.SaveEntry(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullEntries, err)
			}
			kindResult.Applied++
		default:
			kindResult.Skipped++
		}
	}
	return kindResult, nil
}

func (p *Puller) pullAttachments(ctx context.Context, since int64, maxSeen *int64, prefetch *[]string) (PullKindResult, error) {
	kindResult := PullKindResult{}
	rows, err := p.remote.ListAttachments(ctx, since)
	if err != nil {
		return kindResult, fmt.Errorf("%s: %w", opPullAttachments, err)
	}
	for _, row := range rows {
		observe(maxSeen, row.UpdatedAtSeconds)

		local, err := p.store.GetAttachment(ctx, row.ID)
		if err != nil {
			return kindResult, fmt.Errorf("%s: %w", opPullAttachments, err)
		}
		switch {
		case local == nil:
			model := row.Model()
			if err := p.store.SaveAttachment(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullAttachments, err)
			}
			kindResult.Applied++
			if row.RemoteRef != "" {
				*prefetch = append(*prefetch, row.RemoteRef)
			}
		case local.Dirty():
			kindResult.Skipped++
		case attachmentContentEqual(*local, row):
			kindResult.Skipped++
		default:
			model := row.Model()
			// Preserve the on-device file path across metadata rewrites.
			model.LocalPath = local.LocalPath
			if err := p.store.SaveAttachment(ctx, &model); err != nil {
				return kindResult, fmt.Errorf("%s: %w", opPullAttachments, err)
			}
			kindResult.Applied++
		}
	}
	return kindResult, nil
}

func attachmentContentEqual(local journal.Attachment, row remote.AttachmentRow) bool {
	return local.EntryID == row.EntryID &&
		local.RemoteRef == row.RemoteRef &&
		local.MimeType == row.MimeType &&
		local.SizeBytes == row.SizeBytes &&
		local.CreatedAtSeconds == row.CreatedAtSeconds &&
		local.UpdatedAtSeconds == row.UpdatedAtSeconds
}
