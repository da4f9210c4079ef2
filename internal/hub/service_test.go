package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pelagiclabs/tidemark/internal/remote"
	"gorm.io/gorm"
)

const (
	testUserID  = "user-1"
	otherUserID = "user-2"
)

type sequenceIDs struct {
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("asset-%d", g.next), nil
}

// newTestService builds a Service on an in-memory database with a clock that
// advances one second per write, so updated_at_s cursors are strictly ordered.
func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&StreamRecord{},
		&LocationRecord{},
		&EntryRecord{},
		&AttachmentRecord{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Unix(1700000000, 0)
	service, err := NewService(ServiceConfig{
		Database:   db,
		AssetDir:   t.TempDir(),
		IDProvider: &sequenceIDs{},
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestUpsertEntryAssignsAuthoritativeVersion(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	version, err := service.UpsertEntry(ctx, testUserID, remote.EntryRow{
		ID: "e1", StreamID: "s1", Title: "First", Tags: []string{}, Version: 1,
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("new row must keep the incoming version, got %d", version)
	}

	// Re-upserting an existing row bumps past the stored version regardless
	// of what the client sends.
	version, err = service.UpsertEntry(ctx, testUserID, remote.EntryRow{
		ID: "e1", StreamID: "s1", Title: "Replaced", Tags: []string{}, Version: 1,
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("existing row must bump to 2, got %d", version)
	}

	row, err := service.GetEntry(ctx, testUserID, "e1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.Title != "Replaced" || row.Version != 2 {
		t.Fatalf("unexpected stored row: %+v", row)
	}
}

func TestCasEntryOnlyWritesWhenBaseMatches(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntry(ctx, testUserID, remote.EntryRow{
		ID: "e1", StreamID: "s1", Title: "Original", Tags: []string{}, Version: 1,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	affected, version, err := service.CasEntry(ctx, testUserID, remote.EntryRow{
		ID: "e1", StreamID: "s1", Title: "From device B", Tags: []string{},
	}, 1)
	if err != nil {
		t.Fatalf("cas failed: %v", err)
	}
	if !affected || version != 2 {
		t.Fatalf("matching base must write: affected=%v version=%d", affected, version)
	}

	// A stale base never writes.
	affected, _, err = service.CasEntry(ctx, testUserID, remote.EntryRow{
		ID: "e1", StreamID: "s1", Title: "Stale", Tags: []string{},
	}, 1)
	if err != nil {
		t.Fatalf("cas failed: %v", err)
	}
	if affected {
		t.Fatal("stale base must not write")
	}

	row, err := service.GetEntry(ctx, testUserID, "e1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.Title != "From device B" || row.Version != 2 {
		t.Fatalf("stale write leaked through: %+v", row)
	}
}

func TestSoftDeleteEntryStampsTombstone(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntry(ctx, testUserID, remote.EntryRow{
		ID: "e1", StreamID: "s1", Tags: []string{}, Version: 1,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	rows, err := service.ListEntries(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	cursor := rows[0].UpdatedAtSeconds

	if err := service.SoftDeleteEntry(ctx, testUserID, "e1"); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	// The tombstone must surface through an incremental listing.
	rows, err = service.ListEntries(ctx, testUserID, cursor)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].DeletedAtSeconds == nil {
		t.Fatalf("tombstone not visible past the cursor: %+v", rows)
	}

	if err := service.SoftDeleteEntry(ctx, testUserID, "ghost"); err != ErrRowNotFound {
		t.Fatalf("missing row must report ErrRowNotFound, got %v", err)
	}
}

func TestDeleteStreamIsHardAndScoped(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.UpsertStream(ctx, testUserID, remote.StreamRow{ID: "s1", Name: "Mine"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := service.DeleteStream(ctx, otherUserID, "s1"); err != ErrRowNotFound {
		t.Fatalf("foreign delete must miss, got %v", err)
	}
	if err := service.DeleteStream(ctx, testUserID, "s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	rows, err := service.ListStreams(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("stream still listed after delete: %+v", rows)
	}
}

func TestListingsAreScopedAndCursorFiltered(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.UpsertStream(ctx, testUserID, remote.StreamRow{ID: "old", Name: "Old"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := service.UpsertStream(ctx, otherUserID, remote.StreamRow{ID: "foreign", Name: "Foreign"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	rows, err := service.ListStreams(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "old" {
		t.Fatalf("scoping broken: %+v", rows)
	}
	cursor := rows[0].UpdatedAtSeconds

	if err := service.UpsertStream(ctx, testUserID, remote.StreamRow{ID: "new", Name: "New"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// The cursor is inclusive: the boundary row comes back alongside the
	// newer one, so a write stamped in the cursor second is never skipped.
	rows, err = service.ListStreams(ctx, testUserID, cursor)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "old" || rows[1].ID != "new" {
		t.Fatalf("cursor filtering broken: %+v", rows)
	}
}

func TestAssetLifecycle(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	ref, err := service.SaveAsset(ctx, testUserID, []byte("image bytes"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if ref == "" {
		t.Fatal("empty asset reference")
	}

	data, err := service.LoadAsset(ctx, testUserID, ref)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(data) != "image bytes" {
		t.Fatalf("unexpected asset bytes: %q", data)
	}

	// Assets are account-scoped on disk.
	if _, err := service.LoadAsset(ctx, otherUserID, ref); err != ErrRowNotFound {
		t.Fatalf("foreign asset access must miss, got %v", err)
	}

	if err := service.RemoveAsset(ctx, testUserID, ref); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := service.LoadAsset(ctx, testUserID, ref); err != ErrRowNotFound {
		t.Fatalf("removed asset must miss, got %v", err)
	}

	// Removing twice is fine.
	if err := service.RemoveAsset(ctx, testUserID, ref); err != nil {
		t.Fatalf("second remove failed: %v", err)
	}
}

func TestLoadAssetStripsPathTraversal(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.LoadAsset(ctx, testUserID, "../../etc/passwd"); err != ErrRowNotFound {
		t.Fatalf("traversal must resolve inside the account dir, got %v", err)
	}
}

func TestDispatcherFansOutPerAccount(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, cleanupMine := dispatcher.Subscribe(ctx, testUserID)
	defer cleanupMine()
	theirs, cleanupTheirs := dispatcher.Subscribe(ctx, otherUserID)
	defer cleanupTheirs()

	dispatcher.Publish(ChangeMessage{UserID: testUserID, Table: "entries", RecordID: "e1", Op: "upsert"})

	select {
	case message := <-mine:
		if message.RecordID != "e1" {
			t.Fatalf("unexpected message: %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the change")
	}

	select {
	case message := <-theirs:
		t.Fatalf("change leaked across accounts: %+v", message)
	case <-time.After(50 * time.Millisecond):
	}

	// Cleanup is idempotent and stops delivery.
	cleanupMine()
	cleanupMine()
	dispatcher.Publish(ChangeMessage{UserID: testUserID, Table: "entries", RecordID: "e2", Op: "upsert"})
	select {
	case message, ok := <-mine:
		if ok {
			t.Fatalf("message delivered after cleanup: %+v", message)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWritesPublishChangeMessages(t *testing.T) {
	service := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := service.Dispatcher().Subscribe(ctx, testUserID)
	defer cleanup()

	if err := service.UpsertStream(ctx, testUserID, remote.StreamRow{ID: "s1", Name: "Field notes"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	select {
	case message := <-events:
		if message.Table != "streams" || message.RecordID != "s1" || message.Op != "upsert" {
			t.Fatalf("unexpected change message: %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not publish a change message")
	}
}
