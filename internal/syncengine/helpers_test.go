package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pelagiclabs/tidemark/internal/journal"
	"github.com/pelagiclabs/tidemark/internal/localstore"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"gorm.io/gorm"
)

const testUserID = "user-1"

type staticIDGenerator struct {
	prefix string
	next   int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&journal.Stream{},
		&journal.Location{},
		&journal.Entry{},
		&journal.Attachment{},
		&journal.AuditRecord{},
		&localstore.StateRecord{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := localstore.NewStore(localstore.StoreConfig{
		Database:   db,
		UserID:     testUserID,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &staticIDGenerator{prefix: "audit"},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

// fakeRemote is an in-memory remote.Store with scripted failures and a call
// log for ordering assertions.
type fakeRemote struct {
	mu          sync.Mutex
	streams     map[string]remote.StreamRow
	locations   map[string]remote.LocationRow
	entries     map[string]remote.EntryRow
	attachments map[string]remote.AttachmentRow

	calls []string

	// rejectOrphanEntries refuses entry upserts whose stream is unknown,
	// mimicking a backend foreign key.
	rejectOrphanEntries bool
	failStreamUpserts   map[string]error
	failEntryUpserts    map[string]error
	entryDeleteErr      error
	listLocationsErr    error

	// gate, when non-nil, blocks ListStreams until released. Used to hold a
	// pull open while probing the single-flight gate.
	gate chan struct{}

	events       chan remote.ChangeEvent
	subscribeErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		streams:           make(map[string]remote.StreamRow),
		locations:         make(map[string]remote.LocationRow),
		entries:           make(map[string]remote.EntryRow),
		attachments:       make(map[string]remote.AttachmentRow),
		failStreamUpserts: make(map[string]error),
		failEntryUpserts:  make(map[string]error),
		events:            make(chan remote.ChangeEvent, 16),
	}
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := make([]string, len(f.calls))
	copy(log, f.calls)
	return log
}

func (f *fakeRemote) networkCalls() int {
	return len(f.callLog())
}

func (f *fakeRemote) ListStreams(_ context.Context, since int64) ([]remote.StreamRow, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.record(fmt.Sprintf("list_streams:%d", since))
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]remote.StreamRow, 0, len(f.streams))
	for _, row := range f.streams {
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeRemote) ListLocations(_ context.Context, since int64) ([]remote.LocationRow, error) {
	f.record(fmt.Sprintf("list_locations:%d", since))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listLocationsErr != nil {
		return nil, f.listLocationsErr
	}
	rows := make([]remote.LocationRow, 0, len(f.locations))
	for _, row := range f.locations {
		if since > 0 && row.UpdatedAtSeconds < since {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeRemote) ListEntries(_ context.Context, since int64) ([]remote.EntryRow, error) {
	f.record(fmt.Sprintf("list_entries:%d", since))
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]remote.EntryRow, 0, len(f.entries))
	for _, row := range f.entries {
		if since > 0 && row.UpdatedAtSeconds < since {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeRemote) ListAttachments(_ context.Context, since int64) ([]remote.AttachmentRow, error) {
	f.record(fmt.Sprintf("list_attachments:%d", since))
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]remote.AttachmentRow, 0, len(f.attachments))
	for _, row := range f.attachments {
		if since > 0 && row.UpdatedAtSeconds < since {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeRemote) GetEntry(_ context.Context, id string) (*remote.EntryRow, error) {
	f.record("get_entry:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.entries[id]
	if !ok {
		return nil, nil
	}
	copied := row
	return &copied, nil
}

func (f *fakeRemote) UpsertStream(_ context.Context, row remote.StreamRow) error {
	f.record("upsert_stream:" + row.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failStreamUpserts[row.ID]; err != nil {
		return err
	}
	f.streams[row.ID] = row
	return nil
}

func (f *fakeRemote) UpsertLocation(_ context.Context, row remote.LocationRow) error {
	f.record("upsert_location:" + row.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations[row.ID] = row
	return nil
}

func (f *fakeRemote) UpsertEntry(_ context.Context, row remote.EntryRow) (int64, error) {
	f.record("upsert_entry:" + row.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failEntryUpserts[row.ID]; err != nil {
		return 0, err
	}
	if f.rejectOrphanEntries {
		if _, ok := f.streams[row.StreamID]; !ok {
			return 0, errors.New("unknown stream reference")
		}
	}
	version := row.Version
	if version <= 0 {
		version = 1
	}
	if existing, ok := f.entries[row.ID]; ok {
		version = existing.Version + 1
	}
	row.Version = version
	f.entries[row.ID] = row
	return version, nil
}

func (f *fakeRemote) UpdateEntryIfVersion(_ context.Context, row remote.EntryRow, baseVersion int64) (bool, int64, error) {
	f.record(fmt.Sprintf("cas_entry:%s:%d", row.ID, baseVersion))
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.entries[row.ID]
	if !ok || existing.Version != baseVersion {
		return false, 0, nil
	}
	row.Version = baseVersion + 1
	f.entries[row.ID] = row
	return true, row.Version, nil
}

func (f *fakeRemote) UpsertAttachment(_ context.Context, row remote.AttachmentRow) error {
	f.record("upsert_attachment:" + row.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[row.ID] = row
	return nil
}

func (f *fakeRemote) SoftDeleteEntry(_ context.Context, id string) error {
	f.record("delete_entry:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entryDeleteErr != nil {
		return f.entryDeleteErr
	}
	row, ok := f.entries[id]
	if !ok {
		return remote.ErrNotFound
	}
	deletedAt := row.UpdatedAtSeconds + 1
	row.DeletedAtSeconds = &deletedAt
	row.UpdatedAtSeconds = deletedAt
	f.entries[id] = row
	return nil
}

func (f *fakeRemote) SoftDeleteLocation(_ context.Context, id string) error {
	f.record("delete_location:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.locations[id]
	if !ok {
		return remote.ErrNotFound
	}
	deletedAt := row.UpdatedAtSeconds + 1
	row.DeletedAtSeconds = &deletedAt
	row.UpdatedAtSeconds = deletedAt
	f.locations[id] = row
	return nil
}

func (f *fakeRemote) DeleteStream(_ context.Context, id string) error {
	f.record("delete_stream:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[id]; !ok {
		return remote.ErrNotFound
	}
	delete(f.streams, id)
	return nil
}

func (f *fakeRemote) DeleteAttachment(_ context.Context, id string) error {
	f.record("delete_attachment:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attachments[id]; !ok {
		return remote.ErrNotFound
	}
	delete(f.attachments, id)
	return nil
}

func (f *fakeRemote) Subscribe(_ context.Context, _ []string) (<-chan remote.ChangeEvent, func(), error) {
	if f.subscribeErr != nil {
		return nil, nil, f.subscribeErr
	}
	f.record("subscribe")
	return f.events, func() {}, nil
}

// fakeBinaryStore tracks uploads and downloads without real I/O.
type fakeBinaryStore struct {
	mu        sync.Mutex
	uploads   []string
	downloads []string
	removed   []string
	uploadErr error
	nextRef   int
}

func (f *fakeBinaryStore) Upload(_ context.Context, localPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextRef++
	f.uploads = append(f.uploads, localPath)
	return fmt.Sprintf("ref-%d", f.nextRef), nil
}

func (f *fakeBinaryStore) Download(_ context.Context, remoteRef string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, remoteRef)
	return []byte("bytes"), nil
}

func (f *fakeBinaryStore) Remove(_ context.Context, remoteRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, remoteRef)
	return nil
}

type fakeConnectivity struct{ online bool }

func (f fakeConnectivity) Online(context.Context) bool { return f.online }

type fakeSession struct{ authenticated bool }

func (f fakeSession) Authenticated(context.Context) bool { return f.authenticated }

func newTestPusher(t *testing.T, store LocalStore, fake *fakeRemote, binary *fakeBinaryStore) *Pusher {
	t.Helper()
	pusher, err := NewPusher(PusherConfig{
		Store:  store,
		Remote: fake,
		Binary: binary,
	})
	if err != nil {
		t.Fatalf("failed to build pusher: %v", err)
	}
	return pusher
}

func newTestPuller(t *testing.T, store LocalStore, fake *fakeRemote) *Puller {
	t.Helper()
	puller, err := NewPuller(PullerConfig{
		Store:  store,
		Remote: fake,
	})
	if err != nil {
		t.Fatalf("failed to build puller: %v", err)
	}
	return puller
}

func newTestCoordinator(t *testing.T, store LocalStore, fake *fakeRemote, binary *fakeBinaryStore) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:        store,
		Remote:       fake,
		Binary:       binary,
		Connectivity: fakeConnectivity{online: true},
		Session:      fakeSession{authenticated: true},
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinator
}

func mustSaveStream(t *testing.T, store LocalStore, row journal.Stream) {
	t.Helper()
	if row.UserID == "" {
		row.UserID = testUserID
	}
	if err := store.SaveStream(context.Background(), &row); err != nil {
		t.Fatalf("failed to save stream: %v", err)
	}
}

func mustSaveLocation(t *testing.T, store LocalStore, row journal.Location) {
	t.Helper()
	if row.UserID == "" {
		row.UserID = testUserID
	}
	if err := store.SaveLocation(context.Background(), &row); err != nil {
		t.Fatalf("failed to save location: %v", err)
	}
}

func mustSaveEntry(t *testing.T, store LocalStore, row journal.Entry) {
	t.Helper()
	if row.UserID == "" {
		row.UserID = testUserID
	}
	if row.TagsJSON == "" {
		row.TagsJSON = "[]"
	}
	if err := store.SaveEntry(context.Background(), &row); err != nil {
		t.Fatalf("failed to save entry: %v", err)
	}
}

func mustSaveAttachment(t *testing.T, store LocalStore, row journal.Attachment) {
	t.Helper()
	if row.UserID == "" {
		row.UserID = testUserID
	}
	if err := store.SaveAttachment(context.Background(), &row); err != nil {
		t.Fatalf("failed to save attachment: %v", err)
	}
}

func mustGetEntry(t *testing.T, store LocalStore, id string) *journal.Entry {
	t.Helper()
	row, err := store.GetEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	return row
}

func dirtyMeta(action journal.SyncAction) journal.SyncMeta {
	return journal.SyncMeta{Synced: false, Action: action}
}

func cleanMeta() journal.SyncMeta {
	return journal.SyncMeta{Synced: true, Action: journal.SyncActionNone}
}
