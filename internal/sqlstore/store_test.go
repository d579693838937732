package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/attachqueue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "attachments.db")

	s, err := Open(context.Background(), dbPath, "", nil)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a := attachqueue.Attachment{ID: "a", Filename: "a.jpg", State: attachqueue.StateQueuedUpload}
	saved, err := s.Save(ctx, a, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), saved.Timestamp)

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attachqueue.StateQueuedUpload, got.State)

	require.NoError(t, s.Delete(ctx, "a"))

	_, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveCallback_AbortsOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	boom := assert.AnError

	_, err := s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateQueuedUpload}, 1, func(context.Context, attachqueue.Attachment) error {
		return boom
	})
	require.Error(t, err)

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "row must not be visible when callback fails")
}

func TestStore_GetByState_OrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Save(ctx, attachqueue.Attachment{ID: "newer", State: attachqueue.StateQueuedUpload}, 200, nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, attachqueue.Attachment{ID: "older", State: attachqueue.StateQueuedUpload}, 100, nil)
	require.NoError(t, err)

	rows, err := s.GetByState(ctx, attachqueue.StateQueuedUpload)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "older", rows[0].ID)
	assert.Equal(t, "newer", rows[1].ID)
}

func TestStore_Reconcile_AtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	referenced := []attachqueue.WatchedAttachmentItem{{ID: "b", FileExtension: "png"}}

	plan, err := s.Reconcile(ctx, referenced, nil, 100)
	require.NoError(t, err)
	assert.Len(t, plan.Upserts, 1)

	got, ok, err := s.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attachqueue.StateQueuedDownload, got.State)

	// Re-running with the same referenced set is a no-op.
	plan2, err := s.Reconcile(ctx, referenced, nil, 200)
	require.NoError(t, err)
	assert.True(t, plan2.IsEmpty())
}

func TestStore_CommitTransition_RejectsStaleExpected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	saved, err := s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateQueuedUpload}, 100, nil)
	require.NoError(t, err)

	// Simulate another writer moving the row first.
	_, err = s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateArchived}, 150, nil)
	require.NoError(t, err)

	applied, _, err := s.CommitTransition(ctx, "a", saved, func(a attachqueue.Attachment) attachqueue.Attachment {
		a.State = attachqueue.StateSynced
		return a
	}, 300)
	require.NoError(t, err)
	assert.False(t, applied)

	got, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, attachqueue.StateArchived, got.State, "stale transition must not overwrite")
}

func TestStore_CommitTransition_AppliesWhenMatching(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	saved, err := s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateQueuedUpload}, 100, nil)
	require.NoError(t, err)

	applied, result, err := s.CommitTransition(ctx, "a", saved, func(a attachqueue.Attachment) attachqueue.Attachment {
		a.State = attachqueue.StateSynced
		a.HasSynced = true
		return a
	}, 150)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, attachqueue.StateSynced, result.State)

	got, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.HasSynced)
}

func TestStore_DeleteArchivedBeyond(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	one, err := s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateArchived}, 100, nil)
	require.NoError(t, err)

	n, err := s.DeleteArchivedBeyond(ctx, []attachqueue.Attachment{one})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ClearQueue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateSynced}, 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.ClearQueue(ctx))

	rows, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_ChangedNotifiesOnMutation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateSynced}, 1, nil)
	require.NoError(t, err)

	select {
	case <-s.Changed():
	default:
		t.Fatal("expected a pending change notification")
	}
}

func TestStore_CustomTableName(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "attachments.db")

	s, err := Open(ctx, dbPath, "media_attachments", nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Save(ctx, attachqueue.Attachment{ID: "a", State: attachqueue.StateSynced}, 1, nil)
	require.NoError(t, err)

	var name string
	err = s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='media_attachments'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "media_attachments", name)
}
