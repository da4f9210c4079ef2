package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingConnectivity = errors.New("connectivity probe is required")
	errMissingSession      = errors.New("session provider is required")
)

const (
	auditCategorySync  = "sync"
	auditLevelInfo     = "info"
	auditLevelError    = "error"
	defaultDebounce    = 2 * time.Second
	prefetchQueueDepth = 64
)

// ConnectivityProbe reports whether the device currently has network access.
type ConnectivityProbe interface {
	Online(ctx context.Context) bool
}

// SessionProvider reports whether an authenticated account session exists.
type SessionProvider interface {
	Authenticated(ctx context.Context) bool
}

// Status is the engine's externally visible state snapshot.
type Status struct {
	UnsyncedCount   int64
	IsSyncing       bool
	LastSyncSeconds int64
}

// CoordinatorConfig wires the dependencies of the sync coordinator.
type CoordinatorConfig struct {
	Store        LocalStore
	Remote       remote.Store
	Binary       remote.BinaryStore
	Connectivity ConnectivityProbe
	Session      SessionProvider
	// InvalidateCaches is called after a cycle that ran, so downstream read
	// caches can drop stale rows. Optional.
	InvalidateCaches func()
	Logger           *zap.Logger
	Clock            func() time.Time
	// DebounceWindow bounds how often realtime notifications may trigger a
	// sync. Defaults to two seconds.
	DebounceWindow time.Duration
}

// Coordinator is the single entry point for sync. It enforces the
// single-flight gate and the connectivity/auth preconditions, composes push
// and pull, persists the audit row, and owns the session-scoped realtime
// subscription and prefetch worker.
type Coordinator struct {
	store        LocalStore
	remote       remote.Store
	binary       remote.BinaryStore
	connectivity ConnectivityProbe
	session      SessionProvider
	invalidate   func()
	logger       *zap.Logger
	clock        func() time.Time
	window       time.Duration

	pusher *Pusher
	puller *Puller

	syncing         atomic.Bool
	lastSyncSeconds atomic.Int64

	prefetchQueue chan string
	trigger       *Trigger

	startOnce   sync.Once
	destroyOnce sync.Once
	done        chan struct{}
}

// NewCoordinator validates the configuration and returns a Coordinator. The
// realtime subscription and prefetch worker stay idle until Start.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Binary == nil {
		return nil, errMissingBinary
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = defaultDebounce
	}
	invalidate := cfg.InvalidateCaches
	if invalidate == nil {
		invalidate = func() {}
	}

	pusher, err := NewPusher(PusherConfig{
		Store:  cfg.Store,
		Remote: cfg.Remote,
		Binary: cfg.Binary,
		Logger: logger,
		Clock:  clock,
	})
	if err != nil {
		return nil, err
	}
	puller, err := NewPuller(PullerConfig{
		Store:  cfg.Store,
		Remote: cfg.Remote,
		Logger: logger,
		Clock:  clock,
	})
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		store:         cfg.Store,
		remote:        cfg.Remote,
		binary:        cfg.Binary,
		connectivity:  cfg.Connectivity,
		session:       cfg.Session,
		invalidate:    invalidate,
		logger:        logger,
		clock:         clock,
		window:        window,
		pusher:        pusher,
		puller:        puller,
		prefetchQueue: make(chan string, prefetchQueueDepth),
		done:          make(chan struct{}),
	}, nil
}

// Start brings up the session-scoped background machinery: the prefetch
// worker and the debounced realtime trigger. Calling Start twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.prefetchWorker(ctx)

		trigger, err := NewTrigger(TriggerConfig{
			Remote: c.remote,
			Tables: []string{
				string(journal.KindStream),
				string(journal.KindLocation),
				string(journal.KindEntry),
				string(journal.KindAttachment),
			},
			Window: c.window,
			Logger: c.logger,
			OnFire: func() {
				// The single-flight gate drops the run silently when a
				// cycle is already in flight.
				c.FullSync(ctx)
			},
		})
		if err != nil {
			c.logger.Error("realtime trigger construction failed", zap.Error(err))
			return
		}
		c.trigger = trigger
		if err := c.trigger.Start(ctx); err != nil {
			c.logger.Warn("realtime subscription unavailable", zap.Error(err))
		}
	})
}

// Destroy tears down the realtime subscription and prefetch worker. Safe to
// call more than once; the coordinator is unusable for background work after.
func (c *Coordinator) Destroy() {
	c.destroyOnce.Do(func() {
		if c.trigger != nil {
			c.trigger.Stop()
		}
		close(c.done)
	})
}

// FullSync pushes local mutations and then pulls remote deltas.
func (c *Coordinator) FullSync(ctx context.Context) SyncResult {
	return c.run(ctx, true, true, false)
}

// PushSync drains the mutation queue without pulling.
func (c *Coordinator) PushSync(ctx context.Context) SyncResult {
	return c.run(ctx, true, false, false)
}

// PullSync merges remote deltas without pushing. This is the awaited
// counterpart of the realtime trigger.
func (c *Coordinator) PullSync(ctx context.Context) SyncResult {
	return c.run(ctx, false, true, false)
}

// ForcePull runs a full cycle whose pull ignores the checkpoint.
func (c *Coordinator) ForcePull(ctx context.Context) SyncResult {
	return c.run(ctx, true, true, true)
}

// TriggerPushSync schedules a push on a background goroutine and returns
// immediately. Failures are logged internally; the caller never sees them.
func (c *Coordinator) TriggerPushSync() {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("background push panicked",
					zap.Any("panic", recovered))
			}
		}()
		result := c.PushSync(context.Background())
		if total := result.Push.Total(); total.Errors > 0 {
			c.logger.Warn("background push completed with errors",
				zap.Int("errors", total.Errors),
				zap.Int("success", total.Success))
		}
	}()
}

// run is the single sync cycle implementation. It never returns an error:
// refused cycles yield a zero result with Ran=false, and failures inside a
// running cycle are reported through Failed and the audit log.
func (c *Coordinator) run(ctx context.Context, doPush, doPull, force bool) (result SyncResult) {
	if !c.syncing.CompareAndSwap(false, true) {
		return SyncResult{}
	}
	startedAt := c.clock().UTC()

	defer func() {
		// Guaranteed cleanup: the gate and the last-sync marker reset no
		// matter how the cycle ended.
		if recovered := recover(); recovered != nil {
			result.Failed = true
			result.DurationMillis = time.Since(startedAt).Milliseconds()
			c.logger.Error("sync cycle panicked", zap.Any("panic", recovered))
			c.store.AppendAudit(ctx, auditLevelError, auditCategorySync,
				fmt.Sprintf("sync cycle panicked: %v", recovered), result.CountsJSON())
		}
		c.lastSyncSeconds.Store(c.clock().UTC().Unix())
		c.syncing.Store(false)
	}()

	if !c.connectivity.Online(ctx) || !c.session.Authenticated(ctx) {
		return SyncResult{}
	}

	result.Ran = true
	result.StartedAtSeconds = startedAt.Unix()

	if doPush {
		result.Push = c.pusher.Push(ctx)
	}
	if doPull {
		pullResult, err := c.puller.Pull(ctx, force)
		result.Pull = pullResult
		if err != nil {
			result.Failed = true
			result.DurationMillis = time.Since(startedAt).Milliseconds()
			c.logger.Error("pull failed", zap.Error(err))
			c.store.AppendAudit(ctx, auditLevelError, auditCategorySync,
				fmt.Sprintf("pull failed: %v", err), result.CountsJSON())
			return result
		}
	}

	result.DurationMillis = time.Since(startedAt).Milliseconds()

	c.store.AppendAudit(ctx, auditLevelInfo, auditCategorySync,
		"sync cycle completed", result.CountsJSON())
	c.invalidate()
	c.enqueuePrefetch(result.Pull.PrefetchRefs)

	return result
}

// PullEntity refreshes exactly one entry from the remote store and reports
// whether the local copy changed. Dirty local copies are never overwritten.
func (c *Coordinator) PullEntity(ctx context.Context, id string) (bool, error) {
	if !c.connectivity.Online(ctx) || !c.session.Authenticated(ctx) {
		return false, nil
	}

	serverRow, err := c.remote.GetEntry(ctx, id)
	if err != nil {
		return false, fmt.Errorf("entity fetch: %w", err)
	}
	local, err := c.store.GetEntry(ctx, id)
	if err != nil {
		return false, err
	}
	if local != nil && local.Dirty() {
		return false, nil
	}
	if serverRow == nil || serverRow.Deleted() {
		if local == nil {
			return false, nil
		}
		if err := c.store.DeleteRow(ctx, journal.KindEntry, id); err != nil {
			return false, err
		}
		return true, nil
	}
	if local != nil && serverRow.Version <= local.Version {
		return false, nil
	}
	model, err := serverRow.Model()
	if err != nil {
		return false, err
	}
	if err := c.store.SaveEntry(ctx, &model); err != nil {
		return false, err
	}
	return true, nil
}

// Status reports the unsynced row count and the coordinator's run state.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	count, err := c.store.UnsyncedCount(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		UnsyncedCount:   count,
		IsSyncing:       c.syncing.Load(),
		LastSyncSeconds: c.lastSyncSeconds.Load(),
	}, nil
}

// enqueuePrefetch hands newly pulled binary references to the background
// worker. The queue is best effort: when full, refs are dropped and the next
// pull offers them again.
func (c *Coordinator) enqueuePrefetch(refs []string) {
	for _, ref := range refs {
		select {
		case c.prefetchQueue <- ref:
		default:
			c.logger.Debug("prefetch queue full, dropping ref",
				zap.String("ref", ref))
		}
	}
}

// prefetchWorker downloads pulled attachment binaries outside the sync
// transaction. Its failures never fail a sync.
func (c *Coordinator) prefetchWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ref := <-c.prefetchQueue:
			if _, err := c.binary.Download(ctx, ref); err != nil {
				c.logger.Warn("asset prefetch failed",
					zap.String("ref", ref),
					zap.Error(err))
			}
		}
	}
}
