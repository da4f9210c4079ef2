package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pelagiclabs/tidemark/internal/journal"
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
	return fmt.Sprintf("id-%d", g.next), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
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
		&StateRecord{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, userID string) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database:   newTestDatabase(t),
		UserID:     userID,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestNewStoreRejectsIncompleteConfig(t *testing.T) {
	db := newTestDatabase(t)
	cases := []struct {
		name string
		cfg  StoreConfig
	}{
		{name: "missing database", cfg: StoreConfig{UserID: testUserID, IDProvider: &sequenceIDs{}}},
		{name: "missing user", cfg: StoreConfig{Database: db, IDProvider: &sequenceIDs{}}},
		{name: "oversized user", cfg: StoreConfig{Database: db, UserID: strings.Repeat("u", 191), IDProvider: &sequenceIDs{}}},
		{name: "missing id provider", cfg: StoreConfig{Database: db, UserID: testUserID}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewStore(testCase.cfg); err == nil {
				t.Fatal("expected a configuration error")
			}
		})
	}
}

func TestNewStoreTrimsUserID(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Database:   newTestDatabase(t),
		UserID:     "  user-1  ",
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	if store.CurrentUserID() != testUserID {
		t.Fatalf("user id not normalized: %q", store.CurrentUserID())
	}
}

func TestNewStoreRejectsInvalidUserID(t *testing.T) {
	_, err := NewStore(StoreConfig{
		Database:   newTestDatabase(t),
		UserID:     strings.Repeat("u", 191),
		IDProvider: &sequenceIDs{},
	})
	if !errors.Is(err, journal.ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestUnsyncedQueriesExcludePendingDeletes(t *testing.T) {
	store := newTestStore(t, testUserID)
	ctx := context.Background()

	rows := []journal.Entry{
		{ID: "old", UserID: testUserID, StreamID: "s1", TagsJSON: "[]",
			Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
			SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionCreate}},
		{ID: "new", UserID: testUserID, StreamID: "s1", TagsJSON: "[]",
			Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 200,
			SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionUpdate}},
		{ID: "doomed", UserID: testUserID, StreamID: "s1", TagsJSON: "[]",
			Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 150,
			SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionDelete}},
		{ID: "clean", UserID: testUserID, StreamID: "s1", TagsJSON: "[]",
			Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 120,
			SyncMeta: journal.SyncMeta{Synced: true}},
	}
	for index := range rows {
		if err := store.SaveEntry(ctx, &rows[index]); err != nil {
			t.Fatalf("failed to save entry: %v", err)
		}
	}

	unsynced, err := store.UnsyncedEntries(ctx)
	if err != nil {
		t.Fatalf("failed to list unsynced entries: %v", err)
	}
	if len(unsynced) != 2 {
		t.Fatalf("expected 2 unsynced entries, got %d", len(unsynced))
	}
	if unsynced[0].ID != "old" || unsynced[1].ID != "new" {
		t.Fatalf("expected oldest-first ordering, got %s then %s", unsynced[0].ID, unsynced[1].ID)
	}

	pending, err := store.PendingDeleteEntries(ctx)
	if err != nil {
		t.Fatalf("failed to list pending deletes: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "doomed" {
		t.Fatalf("unexpected pending deletes: %+v", pending)
	}
}

func TestQueriesAreScopedToTheOwningUser(t *testing.T) {
	db := newTestDatabase(t)
	store, err := NewStore(StoreConfig{
		Database:   db,
		UserID:     testUserID,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()

	mine := journal.Stream{ID: "mine", UserID: testUserID, Name: "Mine",
		CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionCreate}}
	theirs := journal.Stream{ID: "theirs", UserID: otherUserID, Name: "Theirs",
		CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionCreate}}
	if err := store.SaveStream(ctx, &mine); err != nil {
		t.Fatalf("failed to save stream: %v", err)
	}
	if err := store.SaveStream(ctx, &theirs); err != nil {
		t.Fatalf("failed to save stream: %v", err)
	}

	rows, err := store.UnsyncedStreams(ctx)
	if err != nil {
		t.Fatalf("failed to list unsynced streams: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "mine" {
		t.Fatalf("foreign rows leaked into the listing: %+v", rows)
	}

	foreign, err := store.GetStream(ctx, "theirs")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if foreign != nil {
		t.Fatal("foreign row visible through scoped lookup")
	}

	count, err := store.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected scoped count 1, got %d", count)
	}
}

func TestMarkSyncedClearsActionAndError(t *testing.T) {
	store := newTestStore(t, testUserID)
	ctx := context.Background()

	row := journal.Entry{ID: "e1", UserID: testUserID, StreamID: "s1", TagsJSON: "[]",
		Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionCreate}}
	if err := store.SaveEntry(ctx, &row); err != nil {
		t.Fatalf("failed to save entry: %v", err)
	}
	if err := store.RecordSyncError(ctx, journal.KindEntry, "e1", "transient failure"); err != nil {
		t.Fatalf("failed to record error: %v", err)
	}

	loaded, err := store.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if loaded.SyncError == nil || *loaded.SyncError != "transient failure" {
		t.Fatalf("error not recorded: %v", loaded.SyncError)
	}
	if loaded.Synced {
		t.Fatal("recording an error must not clear the dirty flag")
	}

	if err := store.MarkSynced(ctx, journal.KindEntry, "e1"); err != nil {
		t.Fatalf("failed to mark synced: %v", err)
	}
	loaded, err = store.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !loaded.Synced || loaded.Action != journal.SyncActionNone || loaded.SyncError != nil {
		t.Fatalf("mark synced left residue: %+v", loaded.SyncMeta)
	}
}

func TestDeleteRowRemovesExactlyOneKind(t *testing.T) {
	store := newTestStore(t, testUserID)
	ctx := context.Background()

	stream := journal.Stream{ID: "x", UserID: testUserID, Name: "Stream",
		CreatedAtSeconds: 100, UpdatedAtSeconds: 100, SyncMeta: journal.SyncMeta{Synced: true}}
	entry := journal.Entry{ID: "x", UserID: testUserID, StreamID: "x", TagsJSON: "[]",
		Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: true}}
	if err := store.SaveStream(ctx, &stream); err != nil {
		t.Fatalf("failed to save stream: %v", err)
	}
	if err := store.SaveEntry(ctx, &entry); err != nil {
		t.Fatalf("failed to save entry: %v", err)
	}

	if err := store.DeleteRow(ctx, journal.KindEntry, "x"); err != nil {
		t.Fatalf("failed to delete row: %v", err)
	}

	gone, err := store.GetEntry(ctx, "x")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if gone != nil {
		t.Fatal("entry should be gone")
	}
	kept, err := store.GetStream(ctx, "x")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if kept == nil {
		t.Fatal("stream with the same id must survive an entry delete")
	}
}

func TestDeleteRowRejectsUnknownKind(t *testing.T) {
	store := newTestStore(t, testUserID)
	if err := store.DeleteRow(context.Background(), journal.Kind("widgets"), "x"); err == nil {
		t.Fatal("expected an unknown-kind error")
	}
}

func TestUnsyncedCountSpansAllKinds(t *testing.T) {
	store := newTestStore(t, testUserID)
	ctx := context.Background()

	stream := journal.Stream{ID: "s1", UserID: testUserID, Name: "S",
		CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionCreate}}
	location := journal.Location{ID: "l1", UserID: testUserID, Name: "L",
		CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionCreate}}
	entry := journal.Entry{ID: "e1", UserID: testUserID, StreamID: "s1", TagsJSON: "[]",
		Version: 1, BaseVersion: 1, CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: false, Action: journal.SyncActionDelete}}
	attachment := journal.Attachment{ID: "a1", UserID: testUserID, EntryID: "e1",
		CreatedAtSeconds: 100, UpdatedAtSeconds: 100,
		SyncMeta: journal.SyncMeta{Synced: true}}
	if err := store.SaveStream(ctx, &stream); err != nil {
		t.Fatalf("failed to save stream: %v", err)
	}
	if err := store.SaveLocation(ctx, &location); err != nil {
		t.Fatalf("failed to save location: %v", err)
	}
	if err := store.SaveEntry(ctx, &entry); err != nil {
		t.Fatalf("failed to save entry: %v", err)
	}
	if err := store.SaveAttachment(ctx, &attachment); err != nil {
		t.Fatalf("failed to save attachment: %v", err)
	}

	count, err := store.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 dirty rows across kinds, got %d", count)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t, testUserID)
	ctx := context.Background()

	initial, err := store.LastPulledAt(ctx)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if initial != 0 {
		t.Fatalf("fresh mirror must report checkpoint 0, got %d", initial)
	}

	if err := store.SetLastPulledAt(ctx, 1234); err != nil {
		t.Fatalf("failed to write checkpoint: %v", err)
	}
	if err := store.SetLastPulledAt(ctx, 5678); err != nil {
		t.Fatalf("failed to overwrite checkpoint: %v", err)
	}

	value, err := store.LastPulledAt(ctx)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if value != 5678 {
		t.Fatalf("expected checkpoint 5678, got %d", value)
	}
}

func TestAppendAuditAndRecentOrdering(t *testing.T) {
	db := newTestDatabase(t)
	now := time.Unix(1700000000, 0)
	store, err := NewStore(StoreConfig{
		Database:   db,
		UserID:     testUserID,
		Clock:      func() time.Time { now = now.Add(time.Second); return now },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()

	store.AppendAudit(ctx, "info", "sync", "first cycle", `{"ran":true}`)
	store.AppendAudit(ctx, "error", "sync", "second cycle", "")

	rows, err := store.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(rows))
	}
	if rows[0].Message != "second cycle" {
		t.Fatalf("expected newest first, got %q", rows[0].Message)
	}
	if rows[0].CountsJSON != "{}" {
		t.Fatalf("empty counts must default to an object: %q", rows[0].CountsJSON)
	}
	if rows[1].CountsJSON != `{"ran":true}` {
		t.Fatalf("counts not persisted: %q", rows[1].CountsJSON)
	}
}
