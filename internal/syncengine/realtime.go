package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pelagiclabs/tidemark/internal/remote"
	"go.uber.org/zap"
)

var errMissingOnFire = errors.New("trigger callback is required")

// TriggerConfig wires the debounced realtime trigger.
type TriggerConfig struct {
	Remote remote.Store
	Tables []string
	Window time.Duration
	// OnFire runs on the trailing edge of the debounce window.
	OnFire func()
	Logger *zap.Logger
}

// Trigger subscribes to the remote change feed and coalesces notification
// bursts: every event restarts the debounce window and only the trailing
// edge fires.
type Trigger struct {
	remote remote.Store
	tables []string
	window time.Duration
	onFire func()
	logger *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	cancel  func()
	stopped bool
}

// NewTrigger validates the configuration and returns a Trigger.
func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.OnFire == nil {
		return nil, errMissingOnFire
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Trigger{
		remote: cfg.Remote,
		tables: cfg.Tables,
		window: window,
		onFire: cfg.OnFire,
		logger: logger,
	}, nil
}

// Start opens the change feed subscription and begins debouncing events.
func (t *Trigger) Start(ctx context.Context) error {
	events, cancel, err := t.remote.Subscribe(ctx, t.tables)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				t.logger.Debug("remote change notification",
					zap.String("table", event.Table),
					zap.String("record_id", event.RecordID))
				t.Notify()
			}
		}
	}()
	return nil
}

// Notify (re)starts the debounce window. Exposed for tests and for feeding
// the trigger from an external event source.
func (t *Trigger) Notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, t.onFire)
}

// Stop cancels the subscription and any pending debounce timer. Idempotent.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// EntryWatcherConfig wires the single-entry live subscription.
type EntryWatcherConfig struct {
	Store  LocalStore
	Remote remote.Store
	Logger *zap.Logger
}

// EntryWatcher lets a consumer, typically an open editor, follow exactly one
// entry. When a remote change lands while the local copy is clean, the
// callback delivers the fresh server row so the consumer can warn the user.
// Changes to a dirty local copy are suppressed; push-side conflict
// resolution owns that case.
type EntryWatcher struct {
	store  LocalStore
	remote remote.Store
	logger *zap.Logger

	mu        sync.Mutex
	watchedID string
	cancel    func()
}

// NewEntryWatcher validates the configuration and returns an EntryWatcher.
func NewEntryWatcher(cfg EntryWatcherConfig) (*EntryWatcher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &EntryWatcher{
		store:  cfg.Store,
		remote: cfg.Remote,
		logger: logger,
	}, nil
}

// Watch subscribes to remote changes for one entry id. Watching a new id
// drops the previous subscription automatically; watching the current id is
// a no-op.
func (w *EntryWatcher) Watch(ctx context.Context, id string, onServerChange func(remote.EntryRow)) error {
	w.mu.Lock()
	if w.watchedID == id && w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.watchedID = id
	w.mu.Unlock()

	events, cancel, err := w.remote.Subscribe(ctx, []string{"entries"})
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.watchedID != id {
		// The watched id moved on while we were subscribing.
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.cancel = cancel
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.RecordID != id {
					continue
				}
				w.deliver(ctx, id, onServerChange)
			}
		}
	}()
	return nil
}

func (w *EntryWatcher) deliver(ctx context.Context, id string, onServerChange func(remote.EntryRow)) {
	local, err := w.store.GetEntry(ctx, id)
	if err != nil {
		w.logger.Warn("watched entry lookup failed",
			zap.String("id", id), zap.Error(err))
		return
	}
	if local != nil && local.Dirty() {
		return
	}
	serverRow, err := w.remote.GetEntry(ctx, id)
	if err != nil {
		w.logger.Warn("watched entry fetch failed",
			zap.String("id", id), zap.Error(err))
		return
	}
	if serverRow == nil {
		return
	}
	onServerChange(*serverRow)
}

// Unwatch drops the current subscription. Idempotent.
func (w *EntryWatcher) Unwatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchedID = ""
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
