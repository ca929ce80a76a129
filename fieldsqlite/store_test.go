package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	return store
}

func TestInitializeDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, initializeDatabase(db))

	expectedTables := []string{
		"_fieldsync_client_info", "_fieldsync_entities", "_fieldsync_blobs",
		"_fieldsync_id_map", "_fieldsync_mutations", "_fieldsync_counters",
		"_fieldsync_conflicts",
	}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestEnsureDeviceID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, initializeDatabase(db))

	id1, err := EnsureDeviceID(db, "worker-7")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := EnsureDeviceID(db, "worker-7")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := EnsureDeviceID(db, "worker-8")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestStorePutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, fieldsync.CollectionTasks, "task-1")
	require.True(t, errors.Is(err, fieldsync.ErrNotFound))

	task := &fieldsync.Entity{
		ID:      "task-1",
		Payload: map[string]any{"id": "task-1", "status_id": "open"},
		Version: 3,
	}
	require.NoError(t, store.Put(ctx, fieldsync.CollectionTasks, task))

	got, err := store.Get(ctx, fieldsync.CollectionTasks, "task-1")
	require.NoError(t, err)
	require.Equal(t, "open", got.Payload["status_id"])
	require.Equal(t, int64(3), got.Version)
	require.Equal(t, fieldsync.SyncStateSynced, got.SyncState)
	require.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, fieldsync.CollectionTasks, "task-1"))
	_, err = store.Get(ctx, fieldsync.CollectionTasks, "task-1")
	require.True(t, errors.Is(err, fieldsync.ErrNotFound))
}

func TestStoreListPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, fieldsync.CollectionComments, &fieldsync.Entity{
		ID: "c-1", Payload: map[string]any{"body": "synced"}, SyncState: fieldsync.SyncStateSynced,
	}))
	require.NoError(t, store.Put(ctx, fieldsync.CollectionComments, &fieldsync.Entity{
		ID: "tmp-1", Payload: map[string]any{"body": "waiting"}, SyncState: fieldsync.SyncStatePending,
	}))

	pending, err := store.ListPending(ctx, fieldsync.CollectionComments)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "tmp-1", pending[0].ID)
}

func TestStoreBlobOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	require.NoError(t, store.PutBlob(ctx, fieldsync.CollectionPhotos, "tmp-1", data))

	got, err := store.GetBlob(ctx, fieldsync.CollectionPhotos, "tmp-1")
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, store.DeleteBlob(ctx, fieldsync.CollectionPhotos, "tmp-1"))
	_, err = store.GetBlob(ctx, fieldsync.CollectionPhotos, "tmp-1")
	require.True(t, errors.Is(err, fieldsync.ErrNotFound))
}

func TestPutWithMutationIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := &fieldsync.Entity{
		ID:        "tmp-photo",
		Payload:   map[string]any{"filename": "a.jpg"},
		SyncState: fieldsync.SyncStatePending,
	}
	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindPhotoCreate,
		EntityID: "task-1",
		TempID:   "tmp-photo",
		Payload:  fieldsync.PhotoCreate{Filename: "a.jpg"},
	}
	id, err := store.PutWithMutation(ctx, fieldsync.CollectionPhotos, entity, []byte{1, 2}, m)
	require.NoError(t, err)
	require.Equal(t, id, m.ID)

	// All three records landed together.
	got, err := store.Get(ctx, fieldsync.CollectionPhotos, "tmp-photo")
	require.NoError(t, err)
	require.Equal(t, fieldsync.SyncStatePending, got.SyncState)

	blob, err := store.GetBlob(ctx, fieldsync.CollectionPhotos, "tmp-photo")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, blob)

	queued, err := store.GetMutation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePending, queued.State)
	require.Equal(t, "tmp-photo", queued.TempID)
}

// unencodablePayload fails json.Marshal, forcing the enqueue half of
// PutWithMutation to error.
type unencodablePayload struct {
	Ch chan int `json:"ch"`
}

func (unencodablePayload) Kind() fieldsync.MutationKind { return "unencodable" }

func TestPutWithMutationRollsBackTogether(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// An unencodable payload fails the enqueue half; the optimistic entity
	// write must roll back with it.
	entity := &fieldsync.Entity{
		ID:        "tmp-bad",
		Payload:   map[string]any{"filename": "a.jpg"},
		SyncState: fieldsync.SyncStatePending,
	}
	m := &fieldsync.Mutation{
		Kind:     "unencodable",
		EntityID: "task-1",
		TempID:   "tmp-bad",
		Payload:  unencodablePayload{},
	}
	_, err := store.PutWithMutation(ctx, fieldsync.CollectionPhotos, entity, nil, m)
	require.Error(t, err)

	_, err = store.Get(ctx, fieldsync.CollectionPhotos, "tmp-bad")
	require.True(t, errors.Is(err, fieldsync.ErrNotFound), "optimistic record must not survive a failed enqueue")
}

func TestGetFollowsTempIDMap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindCommentCreate,
		EntityID: "task-1",
		TempID:   "tmp-c1",
		Payload:  fieldsync.CommentCreate{Body: "hi"},
	}
	_, err := store.PutWithMutation(ctx, fieldsync.CollectionComments, &fieldsync.Entity{
		ID: "tmp-c1", Payload: map[string]any{"body": "hi"}, SyncState: fieldsync.SyncStatePending,
	}, nil, m)
	require.NoError(t, err)

	require.NoError(t, store.FinalizeCreate(ctx, m, &fieldsync.CreatedRecord{
		ID: "c-100", TaskID: "task-1", Version: 1,
	}))

	// Lookup by the stale temp id still lands on the rewritten entity.
	got, err := store.Get(ctx, fieldsync.CollectionComments, "tmp-c1")
	require.NoError(t, err)
	require.Equal(t, "c-100", got.ID)
}
