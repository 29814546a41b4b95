package storage_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/storage"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func note(id int64, title string, minutes int) models.Note {
	return models.Note{
		ID:          id,
		Title:       title,
		Description: title + " body",
		UpdatedAt:   base.Add(time.Duration(minutes) * time.Minute),
	}
}

// forEachStore runs fn against every NoteStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store storage.NoteStore)) {
	t.Run("memory", func(t *testing.T) {
		store := storage.NewMemoryStore()
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := storage.NewSQLiteNoteStore(filepath.Join(t.TempDir(), "notes.db"), events.NewNopLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func ids(notes []models.Note) []int64 {
	out := make([]int64, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.ID)
	}
	return out
}

// next receives one snapshot or fails the test.
func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
	}
	var zero T
	return zero
}

func TestUpsertGetList(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx := context.Background()

		require.NoError(t, store.UpsertAll(ctx, []models.Note{
			note(1, "oldest", 0),
			note(2, "newest", 10),
			note(3, "tie-high", 5),
			note(-4, "tie-low", 5),
		}))

		notes, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, -4, 1}, ids(notes))

		got, err := store.Get(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "tie-high", got.Title)
		assert.True(t, got.UpdatedAt.Equal(base.Add(5*time.Minute)))

		updated := note(3, "renamed", 20)
		updated.Pending = true
		require.NoError(t, store.Upsert(ctx, updated))

		got, err = store.Get(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Title)
		assert.True(t, got.Pending)

		_, err = store.Get(ctx, 99)
		assert.ErrorIs(t, err, models.ErrNoteNotFound)
	})
}

func TestDeleteAndClear(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx := context.Background()
		require.NoError(t, store.UpsertAll(ctx, []models.Note{note(1, "a", 0), note(2, "b", 1)}))

		require.NoError(t, store.Delete(ctx, 1))
		require.NoError(t, store.Delete(ctx, 1), "deleting an absent id is a no-op")

		notes, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids(notes))

		require.NoError(t, store.Clear(ctx))
		notes, err = store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, notes)
	})
}

func TestMinID(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx := context.Background()

		id, err := store.MinID(ctx)
		require.NoError(t, err)
		assert.Zero(t, id)

		require.NoError(t, store.UpsertAll(ctx, []models.Note{note(5, "a", 0), note(-17, "b", 1), note(-3, "c", 2)}))
		id, err = store.MinID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(-17), id)
	})
}

func TestSwapIsAtomicAndIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pending := note(-1, "draft", 0)
		pending.Pending = true
		require.NoError(t, store.Upsert(ctx, pending))

		snapshots := store.ObserveAll(ctx)
		assert.Equal(t, []int64{-1}, ids(next(t, snapshots)))

		confirmed := note(42, "draft", 1)
		require.NoError(t, store.Swap(ctx, -1, confirmed))

		// One emission, never a state with both or neither record.
		assert.Equal(t, []int64{42}, ids(next(t, snapshots)))
		select {
		case extra := <-snapshots:
			t.Fatalf("unexpected extra emission: %v", ids(extra))
		case <-time.After(50 * time.Millisecond):
		}

		_, err := store.Get(ctx, -1)
		assert.ErrorIs(t, err, models.ErrNoteNotFound)

		// Replaying the swap leaves exactly one record.
		require.NoError(t, store.Swap(ctx, -1, confirmed))
		notes, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{42}, ids(notes))
		assert.False(t, notes[0].Pending)
	})
}

func TestApplyEmitsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, store.UpsertAll(ctx, []models.Note{note(1, "gone", 0), note(2, "kept", 1)}))
		snapshots := store.ObserveAll(ctx)
		next(t, snapshots)

		require.NoError(t, store.Apply(ctx, []models.Note{note(2, "kept", 3), note(3, "new", 2)}, []int64{1}))
		assert.Equal(t, []int64{2, 3}, ids(next(t, snapshots)))
	})
}

func TestObserveAllConflatesForSlowReaders(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		snapshots := store.ObserveAll(ctx)
		assert.Empty(t, next(t, snapshots))

		for i := int64(1); i <= 5; i++ {
			require.NoError(t, store.Upsert(ctx, note(i, "n", int(i))))
		}

		latest := next(t, snapshots)
		assert.Len(t, latest, 5, "a slow reader gets the latest full snapshot")
	})
}

func TestObserveAllClosesWithContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx, cancel := context.WithCancel(context.Background())
		snapshots := store.ObserveAll(ctx)
		next(t, snapshots)

		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-snapshots:
				return !ok
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)
	})
}

func TestObserveOneDistinctUntilChanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		one := store.ObserveOne(ctx, 7)
		assert.Nil(t, next(t, one), "absent record emits nil")

		require.NoError(t, store.Upsert(ctx, note(7, "first", 0)))
		got := next(t, one)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.Title)

		// Unrelated writes do not re-emit record 7.
		require.NoError(t, store.Upsert(ctx, note(8, "other", 1)))
		select {
		case v := <-one:
			t.Fatalf("unexpected emission: %+v", v)
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, store.Delete(ctx, 7))
		assert.Nil(t, next(t, one))
	})
}

func TestConcurrentWritersKeepCommitOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store storage.NoteStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		snapshots := store.ObserveAll(ctx)
		next(t, snapshots)

		var wg sync.WaitGroup
		for i := int64(1); i <= 20; i++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				assert.NoError(t, store.Upsert(ctx, note(id, "n", int(id))))
			}(i)
		}
		wg.Wait()

		// Snapshots only grow; the last one holds every record.
		prev := 0
		for {
			select {
			case snap := <-snapshots:
				assert.GreaterOrEqual(t, len(snap), prev)
				prev = len(snap)
				if prev == 20 {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("last snapshot had %d notes", prev)
			}
		}
	})
}

func TestSQLiteNoteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	ctx := context.Background()

	store, err := storage.NewSQLiteNoteStore(path, events.NewNopLogger())
	require.NoError(t, err)

	n := note(-9, "offline", 0)
	n.Pending = true
	n.CreatorUsername = "ada"
	require.NoError(t, store.Upsert(ctx, n))
	require.NoError(t, store.Close())

	reopened, err := storage.NewSQLiteNoteStore(path, events.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, -9)
	require.NoError(t, err)
	assert.True(t, got.Pending)
	assert.Equal(t, "ada", got.CreatorUsername)
	assert.True(t, got.UpdatedAt.Equal(n.UpdatedAt))
}
