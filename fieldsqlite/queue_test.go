package fieldsqlite

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

func enqueueStatus(t *testing.T, store *Store, entityID, statusID string) int64 {
	t.Helper()
	id, err := store.Enqueue(context.Background(), &fieldsync.Mutation{
		Kind:         fieldsync.KindStatusChange,
		EntityID:     entityID,
		Payload:      fieldsync.StatusChange{StatusID: statusID},
		BaseVersion:  1,
		BaseSnapshot: map[string]any{"status_id": "open"},
	})
	require.NoError(t, err)
	return id
}

func TestEnqueuePreservesOrder(t *testing.T) {
	store := newTestStore(t)

	first := enqueueStatus(t, store, "task-1", "en_route")
	second := enqueueStatus(t, store, "task-1", "on_site")
	third := enqueueStatus(t, store, "task-1", "done")
	require.Less(t, first, second)
	require.Less(t, second, third)

	head, err := store.PeekNext(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, first, head.ID)
	require.Equal(t, fieldsync.StatusChange{StatusID: "en_route"}, head.Payload)
}

func TestPeekNextNilWhenHeadNotPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := enqueueStatus(t, store, "task-1", "en_route")
	enqueueStatus(t, store, "task-1", "done")

	require.NoError(t, store.MarkSyncing(ctx, first))
	head, err := store.PeekNext(ctx, "task-1")
	require.NoError(t, err)
	require.Nil(t, head, "a Syncing head hides the rows behind it")

	require.NoError(t, store.MarkFailed(ctx, first, fieldsync.FailValidation, "rejected", nil, 1))
	head, err = store.PeekNext(ctx, "task-1")
	require.NoError(t, err)
	require.Nil(t, head, "a Failed head blocks its entity")
}

func TestNextReadyReturnsOnlyEntityHeads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1 := enqueueStatus(t, store, "task-a", "en_route")
	enqueueStatus(t, store, "task-a", "done")
	b1 := enqueueStatus(t, store, "task-b", "on_site")

	ready, err := store.NextReady(ctx, time.Now().UTC(), 8, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2, "one head per entity")
	require.Equal(t, a1, ready[0].ID)
	require.Equal(t, b1, ready[1].ID)
}

func TestNextReadyBlockedEntityDoesNotBlockOthers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1 := enqueueStatus(t, store, "task-a", "en_route")
	enqueueStatus(t, store, "task-a", "done")
	b1 := enqueueStatus(t, store, "task-b", "on_site")

	require.NoError(t, store.MarkFailed(ctx, a1, fieldsync.FailValidation, "rejected", nil, 1))

	ready, err := store.NextReady(ctx, time.Now().UTC(), 8, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, b1, ready[0].ID)
}

func TestNextReadyBackoffGating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id := enqueueStatus(t, store, "task-1", "done")

	future := now.Add(time.Minute)
	require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailNetwork, "timeout", &future, 1))

	ready, err := store.NextReady(ctx, now, 8, 10)
	require.NoError(t, err)
	require.Empty(t, ready, "backoff deadline in the future must not dispatch")

	past := now.Add(-time.Second)
	require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailNetwork, "timeout", &past, 2))

	ready, err = store.NextReady(ctx, now, 8, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, id, ready[0].ID)
	require.Equal(t, 2, ready[0].Attempt)

	// At the attempt cap the mutation waits for a manual retry.
	require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailNetwork, "timeout", &past, 8))
	ready, err = store.NextReady(ctx, now, 8, 10)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestNextReadySkipsValidationAndAuthFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Second)

	v := enqueueStatus(t, store, "task-a", "done")
	a := enqueueStatus(t, store, "task-b", "done")
	require.NoError(t, store.MarkFailed(ctx, v, fieldsync.FailValidation, "bad status", &past, 1))
	require.NoError(t, store.MarkFailed(ctx, a, fieldsync.FailAuth, "expired token", &past, 1))

	ready, err := store.NextReady(ctx, time.Now().UTC(), 8, 10)
	require.NoError(t, err)
	require.Empty(t, ready, "only network failures retry automatically")
}

func TestRetryResetsFailedMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := enqueueStatus(t, store, "task-1", "done")
	require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailValidation, "rejected", nil, 3))

	require.NoError(t, store.Retry(ctx, id))

	m, err := store.GetMutation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePending, m.State)
	require.Equal(t, 0, m.Attempt)
	require.Empty(t, m.LastError)

	// Pending mutations are not retryable.
	require.Error(t, store.Retry(ctx, id))
}

func TestDiscardCreationRemovesOptimisticState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindPhotoCreate,
		EntityID: "task-1",
		TempID:   "tmp-p1",
		Payload:  fieldsync.PhotoCreate{Filename: "a.jpg"},
	}
	id, err := store.PutWithMutation(ctx, fieldsync.CollectionPhotos, &fieldsync.Entity{
		ID: "tmp-p1", Payload: map[string]any{"filename": "a.jpg"}, SyncState: fieldsync.SyncStatePending,
	}, []byte{1, 2, 3}, m)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailValidation, "too large", nil, 1))

	require.NoError(t, store.Discard(ctx, id))

	_, err = store.Get(ctx, fieldsync.CollectionPhotos, "tmp-p1")
	require.ErrorIs(t, err, fieldsync.ErrNotFound)
	_, err = store.GetBlob(ctx, fieldsync.CollectionPhotos, "tmp-p1")
	require.ErrorIs(t, err, fieldsync.ErrNotFound)
	_, err = store.GetMutation(ctx, id)
	require.ErrorIs(t, err, fieldsync.ErrNotFound)
}

func TestDiscardStatusChangeRestoresSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, fieldsync.CollectionTasks, &fieldsync.Entity{
		ID: "task-1", Payload: map[string]any{"id": "task-1", "status_id": "done"},
		Version: 1, SyncState: fieldsync.SyncStatePending,
	}))
	id := enqueueStatus(t, store, "task-1", "done")
	require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailValidation, "rejected", nil, 1))

	require.NoError(t, store.Discard(ctx, id))

	task, err := store.Get(ctx, fieldsync.CollectionTasks, "task-1")
	require.NoError(t, err)
	require.Equal(t, "open", task.Payload["status_id"], "base snapshot restored")
	require.Equal(t, fieldsync.SyncStateSynced, task.SyncState)
}

func TestDiscardRequiresFailedOrConflicted(t *testing.T) {
	store := newTestStore(t)
	id := enqueueStatus(t, store, "task-1", "done")
	require.Error(t, store.Discard(context.Background(), id))
}

func TestResetInterrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := enqueueStatus(t, store, "task-a", "done")
	b := enqueueStatus(t, store, "task-b", "done")
	enqueueStatus(t, store, "task-c", "done")
	require.NoError(t, store.MarkSyncing(ctx, a))
	require.NoError(t, store.MarkSyncing(ctx, b))

	n, err := store.ResetInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []int64{a, b} {
		m, err := store.GetMutation(ctx, id)
		require.NoError(t, err)
		require.Equal(t, fieldsync.StatePending, m.State)
	}

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Pending)
	require.Equal(t, 0, summary.Failed)
}

func TestRequeueAuthFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := enqueueStatus(t, store, "task-a", "done")
	b := enqueueStatus(t, store, "task-b", "done")
	require.NoError(t, store.MarkFailed(ctx, a, fieldsync.FailAuth, "expired token", nil, 1))
	require.NoError(t, store.MarkFailed(ctx, b, fieldsync.FailValidation, "rejected", nil, 1))

	n, err := store.RequeueAuthFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only auth-held failures requeue")

	m, err := store.GetMutation(ctx, a)
	require.NoError(t, err)
	require.Equal(t, fieldsync.StatePending, m.State)
	require.Equal(t, 0, m.Attempt)

	m, err = store.GetMutation(ctx, b)
	require.NoError(t, err)
	require.Equal(t, fieldsync.StateFailed, m.State)
}

func TestSummaryTracksTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s1 := enqueueStatus(t, store, "task-1", "done")
	s2 := enqueueStatus(t, store, "task-2", "done")
	_, c1, err := enqueueComment(t, store, "task-1")
	require.NoError(t, err)

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Pending)
	require.Equal(t, 2, summary.ByKind[fieldsync.KindStatusChange])
	require.Equal(t, 1, summary.ByKind[fieldsync.KindCommentCreate])

	require.NoError(t, store.MarkFailed(ctx, s1, fieldsync.FailNetwork, "timeout", nil, 1))
	_, err = store.MarkConflicted(ctx, s2, &fieldsync.ConflictRecord{
		MutationID: s2, EntityID: "task-2",
		Fields:      []string{"status_id"},
		LocalValue:  map[string]any{"status_id": "done"},
		ServerValue: map[string]any{"status_id": "blocked"},
		ServerRow:   map[string]any{"status_id": "blocked"},
		DetectedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	summary, err = store.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Pending, "failed and conflicted still count as not-synced")
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Conflicted)

	// Finalizing the comment removes it from every projection.
	m, err := store.GetMutation(ctx, c1)
	require.NoError(t, err)
	require.NoError(t, store.FinalizeCreate(ctx, m, &fieldsync.CreatedRecord{
		ID: "c-1", TaskID: "task-1", Version: 1,
	}))

	summary, err = store.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Pending)
	require.Equal(t, 0, summary.ByKind[fieldsync.KindCommentCreate])
}

func enqueueComment(t *testing.T, store *Store, taskID string) (string, int64, error) {
	t.Helper()
	tempID := fmt.Sprintf("tmp-%s-%d", taskID, time.Now().UnixNano())
	m := &fieldsync.Mutation{
		Kind:     fieldsync.KindCommentCreate,
		EntityID: taskID,
		TempID:   tempID,
		Payload:  fieldsync.CommentCreate{Body: "note", CreatedAt: time.Now().UTC()},
	}
	id, err := store.PutWithMutation(context.Background(), fieldsync.CollectionComments, &fieldsync.Entity{
		ID: tempID, Payload: map[string]any{"body": "note"}, SyncState: fieldsync.SyncStatePending,
	}, nil, m)
	return tempID, id, err
}

// Counter maintenance must agree with a full recount of the log no matter how
// transitions interleave.
func TestSummaryMatchesRecountUnderRandomTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var live []int64
	for i := 0; i < 30; i++ {
		id := enqueueStatus(t, store, fmt.Sprintf("task-%d", i%7), "done")
		live = append(live, id)
	}

	for step := 0; step < 200; step++ {
		id := live[rng.Intn(len(live))]
		m, err := store.GetMutation(ctx, id)
		require.NoError(t, err)

		switch m.State {
		case fieldsync.StatePending:
			require.NoError(t, store.MarkSyncing(ctx, id))
		case fieldsync.StateSyncing:
			if rng.Intn(2) == 0 {
				require.NoError(t, store.MarkFailed(ctx, id, fieldsync.FailNetwork, "timeout", nil, m.Attempt+1))
			} else {
				_, err := store.MarkConflicted(ctx, id, &fieldsync.ConflictRecord{
					MutationID: id, EntityID: m.EntityID,
					Fields:      []string{"status_id"},
					LocalValue:  map[string]any{"status_id": "done"},
					ServerValue: map[string]any{"status_id": "blocked"},
					ServerRow:   map[string]any{"status_id": "blocked"},
					DetectedAt:  time.Now().UTC(),
				})
				require.NoError(t, err)
			}
		default:
			require.NoError(t, store.Retry(ctx, id))
		}
	}

	summary, err := store.Summary(ctx)
	require.NoError(t, err)

	var total, failed, conflicted int
	rows, err := store.db.Query(`SELECT state, COUNT(*) FROM _fieldsync_mutations GROUP BY state`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var state fieldsync.MutationState
		var n int
		require.NoError(t, rows.Scan(&state, &n))
		total += n
		switch state {
		case fieldsync.StateFailed:
			failed += n
		case fieldsync.StateConflicted:
			conflicted += n
		}
	}
	require.NoError(t, rows.Err())

	require.Equal(t, total, summary.Pending)
	require.Equal(t, failed, summary.Failed)
	require.Equal(t, conflicted, summary.Conflicted)
}
