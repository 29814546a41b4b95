package sync_test

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/notesync/internal/config"
	"github.com/TheMichaelB/notesync/internal/creds"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/services/sync"
	"github.com/TheMichaelB/notesync/internal/state"
	"github.com/TheMichaelB/notesync/internal/storage"
	"github.com/TheMichaelB/notesync/internal/testutil"
)

type harness struct {
	store  *storage.MemoryStore
	jobs   *state.MemoryJobStore
	remote *testutil.FakeRemote
	creds  *creds.MemoryStore
	conn   *sync.StaticConnectivity
	repo   *sync.Repository
	worker *sync.Worker
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		MaxConcurrent: 4,
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 4 * time.Millisecond,
		PollInterval:  time.Hour,
	}
}

func newHarness(t testing.TB) *harness {
	t.Helper()

	h := &harness{
		store:  storage.NewMemoryStore(),
		jobs:   state.NewMemoryJobStore(),
		remote: testutil.NewFakeRemote(),
		creds:  creds.NewMemoryStore(models.TokenPair{Access: "access", Refresh: "refresh"}),
		conn:   sync.NewStaticConnectivity(true),
	}
	logger := events.NewNopLogger()
	h.repo = sync.NewRepository(sync.Deps{
		Store:  h.store,
		Jobs:   h.jobs,
		Remote: h.remote,
		Locks:  state.NewKeyLock(),
		Logger: logger,
	})
	h.worker = sync.NewWorker(h.repo, h.creds, h.conn, testSyncConfig(), logger)

	t.Cleanup(func() {
		h.worker.Close()
		_ = h.store.Close()
		_ = h.jobs.Close()
	})
	return h
}

// seed stores a confirmed note both remotely and locally.
func (h *harness) seed(t *testing.T, notes ...models.Note) {
	t.Helper()
	h.remote.Seed(notes...)
	require.NoError(t, h.store.UpsertAll(context.Background(), notes))
}

func (h *harness) jobCount(t *testing.T) int {
	t.Helper()
	n, err := h.jobs.Count(context.Background())
	require.NoError(t, err)
	return n
}

func note(id int64, title string) models.Note {
	return models.Note{
		ID:        id,
		Title:     title,
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("online create is confirmed immediately", func(t *testing.T) {
		h := newHarness(t)

		created, err := h.repo.Create(ctx, "Groceries", "milk")
		require.NoError(t, err)

		assert.Equal(t, int64(1), created.ID)
		assert.False(t, created.Pending)
		assert.Equal(t, 0, h.jobCount(t))

		notes, err := h.repo.Notes(ctx)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, int64(1), notes[0].ID)
	})

	t.Run("offline create returns pending note and queues job", func(t *testing.T) {
		h := newHarness(t)
		h.remote.SetOffline(true)

		created, err := h.repo.Create(ctx, "Draft", "")
		require.NoError(t, err)

		assert.True(t, models.IsTemporaryID(created.ID))
		assert.True(t, created.Pending)

		jobs, err := h.repo.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobCreate, jobs[0].Kind)
		assert.Equal(t, created.ID, jobs[0].NoteID)
		assert.Equal(t, "Draft", jobs[0].Title)

		stored, err := h.repo.Note(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, stored.Pending)
	})

	t.Run("validation failure rolls back", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.repo.Create(ctx, "", "no title")
		require.Error(t, err)

		apiErr, ok := models.AsAPIError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "This field may not be blank.", apiErr.Detail())

		notes, err := h.repo.Notes(ctx)
		require.NoError(t, err)
		assert.Empty(t, notes)
		assert.Equal(t, 0, h.jobCount(t))
	})

	t.Run("server error queues job", func(t *testing.T) {
		h := newHarness(t)
		h.remote.FailNext(testutil.OpCreate, testutil.APIError(http.StatusServiceUnavailable, "", "down"))

		created, err := h.repo.Create(ctx, "Later", "")
		require.NoError(t, err)
		assert.True(t, created.Pending)
		assert.Equal(t, 1, h.jobCount(t))
	})

	t.Run("session expiry keeps local write and surfaces error", func(t *testing.T) {
		h := newHarness(t)
		h.remote.FailNext(testutil.OpCreate, fmt.Errorf("%w: refresh rejected", models.ErrSessionExpired))

		created, err := h.repo.Create(ctx, "Kept", "")
		assert.ErrorIs(t, err, models.ErrSessionExpired)
		assert.True(t, created.Pending)

		_, err = h.repo.Note(ctx, created.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1, h.jobCount(t))
	})
}

func TestTemporaryIDs(t *testing.T) {
	ctx := context.Background()

	t.Run("distinct and below unix millis", func(t *testing.T) {
		h := newHarness(t)
		h.remote.SetOffline(true)

		floor := -time.Now().UnixMilli()
		seen := make(map[int64]bool)
		for i := 0; i < 20; i++ {
			n, err := h.repo.Create(ctx, fmt.Sprintf("note %d", i), "")
			require.NoError(t, err)
			assert.Less(t, n.ID, floor)
			assert.False(t, seen[n.ID], "duplicate temporary id %d", n.ID)
			seen[n.ID] = true
		}
	})

	t.Run("seeded below ids already stored", func(t *testing.T) {
		h := newHarness(t)
		h.remote.SetOffline(true)

		existing := -time.Now().Add(time.Hour).UnixMilli()
		require.NoError(t, h.store.Upsert(ctx, models.Note{ID: existing, Title: "from last run", Pending: true}))

		n, err := h.repo.Create(ctx, "new", "")
		require.NoError(t, err)
		assert.Less(t, n.ID, existing)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("online update stores server record", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "old"))

		updated, err := h.repo.Update(ctx, 5, "new", "body")
		require.NoError(t, err)
		assert.False(t, updated.Pending)
		assert.Equal(t, "new", updated.Title)

		remote, ok := h.remote.Note(5)
		require.True(t, ok)
		assert.Equal(t, "new", remote.Title)
	})

	t.Run("missing note", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.repo.Update(ctx, 99, "x", "")
		assert.ErrorIs(t, err, models.ErrNoteNotFound)
		assert.Equal(t, 0, h.remote.Calls(testutil.OpUpdate))
	})

	t.Run("offline update queues job", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "old"))
		h.remote.SetOffline(true)

		updated, err := h.repo.Update(ctx, 5, "offline edit", "")
		require.NoError(t, err)
		assert.True(t, updated.Pending)

		jobs, err := h.repo.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobUpdate, jobs[0].Kind)
		assert.Equal(t, "offline edit", jobs[0].Title)
	})

	t.Run("validation failure restores previous record", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "old"))
		h.remote.FailNext(testutil.OpUpdate, testutil.APIError(http.StatusBadRequest, "title", "Too long."))

		_, err := h.repo.Update(ctx, 5, "rejected", "")
		assert.True(t, models.IsValidation(err))

		stored, err := h.repo.Note(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "old", stored.Title)
		assert.False(t, stored.Pending)
		assert.Equal(t, 0, h.jobCount(t))
	})

	t.Run("queued behind earlier jobs without remote call", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "old"))

		h.remote.SetOffline(true)
		_, err := h.repo.Update(ctx, 5, "first", "")
		require.NoError(t, err)
		h.remote.SetOffline(false)

		_, err = h.repo.Update(ctx, 5, "second", "")
		require.NoError(t, err)

		assert.Equal(t, 1, h.remote.Calls(testutil.OpUpdate))
		jobs, err := h.repo.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "first", jobs[0].Title)
		assert.Equal(t, "second", jobs[1].Title)

		_, err = h.worker.Drain(ctx)
		require.NoError(t, err)

		remote, _ := h.remote.Note(5)
		assert.Equal(t, "second", remote.Title)
		stored, err := h.repo.Note(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "second", stored.Title)
		assert.False(t, stored.Pending)
	})

	t.Run("temporary note folds into queued create", func(t *testing.T) {
		h := newHarness(t)
		h.remote.SetOffline(true)

		created, err := h.repo.Create(ctx, "v1", "")
		require.NoError(t, err)
		h.remote.SetOffline(false)

		updated, err := h.repo.Update(ctx, created.ID, "v2", "more")
		require.NoError(t, err)
		assert.Equal(t, created.ID, updated.ID)
		assert.Equal(t, 0, h.remote.Calls(testutil.OpUpdate))

		jobs, err := h.repo.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobCreate, jobs[0].Kind)
		assert.Equal(t, "v2", jobs[0].Title)
		assert.Equal(t, "more", jobs[0].Description)

		_, err = h.worker.Drain(ctx)
		require.NoError(t, err)

		remote := h.remote.Notes()
		require.Len(t, remote, 1)
		assert.Equal(t, "v2", remote[0].Title)
	})

	t.Run("temporary id follows alias after confirmation", func(t *testing.T) {
		h := newHarness(t)
		h.remote.SetOffline(true)

		created, err := h.repo.Create(ctx, "v1", "")
		require.NoError(t, err)
		h.remote.SetOffline(false)

		_, err = h.worker.Drain(ctx)
		require.NoError(t, err)
		confirmed := h.repo.Resolve(created.ID)
		require.Greater(t, confirmed, int64(0))

		updated, err := h.repo.Update(ctx, created.ID, "v2", "")
		require.NoError(t, err)
		assert.Equal(t, confirmed, updated.ID)
		assert.Equal(t, 1, h.remote.Calls(testutil.OpUpdate))
	})
}

func TestUpdateOnTemporaryNoteMakesNoRemoteCall(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewMockRemote()
	remote.On("CreateNote", mock.Anything, models.NoteRequest{Title: "draft"}).
		Return(models.Note{}, testutil.TransportError("POST")).Once()

	repo := sync.NewRepository(sync.Deps{
		Store:  storage.NewMemoryStore(),
		Jobs:   state.NewMemoryJobStore(),
		Remote: remote,
	})

	created, err := repo.Create(ctx, "draft", "")
	require.NoError(t, err)

	_, err = repo.Update(ctx, created.ID, "edited", "")
	require.NoError(t, err)

	remote.AssertExpectations(t)
	remote.AssertNotCalled(t, "UpdateNote", mock.Anything, mock.Anything, mock.Anything)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("online delete", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "gone"))

		require.NoError(t, h.repo.Delete(ctx, 5))

		_, err := h.repo.Note(ctx, 5)
		assert.ErrorIs(t, err, models.ErrNoteNotFound)
		_, ok := h.remote.Note(5)
		assert.False(t, ok)
	})

	t.Run("not found remotely counts as success", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Upsert(ctx, note(7, "local only")))

		require.NoError(t, h.repo.Delete(ctx, 7))
		assert.Equal(t, 0, h.jobCount(t))
	})

	t.Run("temporary note drops queued jobs", func(t *testing.T) {
		h := newHarness(t)
		h.remote.SetOffline(true)

		created, err := h.repo.Create(ctx, "never sent", "")
		require.NoError(t, err)
		require.Equal(t, 1, h.jobCount(t))

		require.NoError(t, h.repo.Delete(ctx, created.ID))
		assert.Equal(t, 0, h.jobCount(t))
		assert.Equal(t, 0, h.remote.Calls(testutil.OpDelete))
	})

	t.Run("validation failure restores record", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "protected"))
		h.remote.FailNext(testutil.OpDelete, testutil.APIError(http.StatusForbidden, "", "Not allowed."))

		err := h.repo.Delete(ctx, 5)
		assert.True(t, models.IsValidation(err))

		stored, err := h.repo.Note(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "protected", stored.Title)
	})

	t.Run("delete then update of same note", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "doomed"))
		h.remote.SetOffline(true)

		require.NoError(t, h.repo.Delete(ctx, 5))
		_, err := h.repo.Update(ctx, 5, "too late", "")
		assert.ErrorIs(t, err, models.ErrNoteNotFound)

		h.remote.SetOffline(false)
		_, err = h.worker.Drain(ctx)
		require.NoError(t, err)

		_, ok := h.remote.Note(5)
		assert.False(t, ok)
		assert.Equal(t, 0, h.jobCount(t))
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("reconciles with remote", func(t *testing.T) {
		h := newHarness(t)
		h.remote.Seed(note(1, "one"), note(2, "two remote"), note(3, "three"))

		require.NoError(t, h.store.UpsertAll(ctx, []models.Note{
			note(2, "two"),
			note(9, "deleted elsewhere"),
		}))

		h.remote.SetOffline(true)
		_, err := h.repo.Update(ctx, 2, "two local", "")
		require.NoError(t, err)
		pending, err := h.repo.Create(ctx, "unsent", "")
		require.NoError(t, err)
		h.remote.SetOffline(false)

		require.NoError(t, h.repo.Refresh(ctx))

		notes, err := h.repo.Notes(ctx)
		require.NoError(t, err)

		byID := make(map[int64]models.Note)
		for _, n := range notes {
			byID[n.ID] = n
		}
		assert.Len(t, byID, 4)
		assert.Equal(t, "one", byID[1].Title)
		assert.Equal(t, "two local", byID[2].Title, "queued edit wins until replayed")
		assert.True(t, byID[2].Pending)
		assert.Equal(t, "three", byID[3].Title)
		assert.Contains(t, byID, pending.ID)
		assert.NotContains(t, byID, int64(9))
	})

	t.Run("offline leaves cache untouched", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Upsert(ctx, note(4, "cached")))
		h.remote.SetOffline(true)

		err := h.repo.Refresh(ctx)
		assert.ErrorIs(t, err, models.ErrOffline)
		assert.True(t, models.IsTransport(err))

		notes, err := h.repo.Notes(ctx)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "cached", notes[0].Title)
	})

	t.Run("other failures are not offline", func(t *testing.T) {
		h := newHarness(t)
		h.remote.FailNext(testutil.OpList, fmt.Errorf("%w: refresh rejected", models.ErrSessionExpired))

		err := h.repo.Refresh(ctx)
		assert.ErrorIs(t, err, models.ErrSessionExpired)
		assert.NotErrorIs(t, err, models.ErrOffline)
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, note(1, "a"), note(2, "b"))

	h.remote.SetOffline(true)
	_, err := h.repo.Create(ctx, "queued", "")
	require.NoError(t, err)
	_, err = h.repo.Update(ctx, 1, "edited", "")
	require.NoError(t, err)
	h.remote.SetOffline(false)

	dropped, err := h.repo.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 0, h.jobCount(t))

	notes, err := h.repo.Notes(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

// resetDuring makes the next remote call of kind op overlap a Reset and
// then fail as unreachable. The returned channel yields Reset's error.
func resetDuring(h *harness, op string) <-chan error {
	done := make(chan error, 1)
	var started atomic.Bool
	h.remote.FailNext(op, testutil.TransportError(op))
	h.remote.OnCall(func(called string) {
		if called != op || !started.CompareAndSwap(false, true) {
			return
		}
		before := h.repo.Epoch()
		go func() {
			_, err := h.repo.Reset(context.Background())
			done <- err
		}()
		for h.repo.Epoch() == before {
			runtime.Gosched()
		}
	})
	return done
}

func TestResetDuringMutationQueuesNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("update", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "a"))
		done := resetDuring(h, testutil.OpUpdate)

		_, err := h.repo.Update(ctx, 5, "stale", "")
		assert.True(t, models.IsSessionEnded(err), "got %v", err)
		require.NoError(t, <-done)
		assert.Equal(t, 0, h.jobCount(t))

		report, err := h.worker.Drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Attempted)
		assert.Equal(t, 1, h.remote.Calls(testutil.OpUpdate))
		remote, ok := h.remote.Note(5)
		require.True(t, ok)
		assert.Equal(t, "a", remote.Title)
	})

	t.Run("create", func(t *testing.T) {
		h := newHarness(t)
		done := resetDuring(h, testutil.OpCreate)

		_, err := h.repo.Create(ctx, "stale", "")
		assert.True(t, models.IsSessionEnded(err), "got %v", err)
		require.NoError(t, <-done)
		assert.Equal(t, 0, h.jobCount(t))

		notes, err := h.repo.Notes(ctx)
		require.NoError(t, err)
		assert.Empty(t, notes)

		_, err = h.worker.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, h.remote.Calls(testutil.OpCreate))
		assert.Empty(t, h.remote.Notes())
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, note(5, "a"))
		done := resetDuring(h, testutil.OpDelete)

		err := h.repo.Delete(ctx, 5)
		assert.True(t, models.IsSessionEnded(err), "got %v", err)
		require.NoError(t, <-done)
		assert.Equal(t, 0, h.jobCount(t))

		_, err = h.worker.Drain(ctx)
		require.NoError(t, err)
		_, ok := h.remote.Note(5)
		assert.True(t, ok)
	})
}

// slowList runs after once the remote listing has been taken.
type slowList struct {
	*testutil.FakeRemote
	after func()
}

func (s *slowList) ListNotes(ctx context.Context) ([]models.Note, error) {
	notes, err := s.FakeRemote.ListNotes(ctx)
	if s.after != nil {
		after := s.after
		s.after = nil
		after()
	}
	return notes, err
}

func TestRefreshKeepsWritesMadeDuringListing(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*sync.Repository, *storage.MemoryStore, *slowList) {
		t.Helper()
		store := storage.NewMemoryStore()
		jobs := state.NewMemoryJobStore()
		t.Cleanup(func() {
			_ = store.Close()
			_ = jobs.Close()
		})
		remote := &slowList{FakeRemote: testutil.NewFakeRemote()}
		repo := sync.NewRepository(sync.Deps{
			Store:  store,
			Jobs:   jobs,
			Remote: remote,
			Locks:  state.NewKeyLock(),
			Logger: events.NewNopLogger(),
		})

		seeded := note(5, "old")
		remote.Seed(seeded)
		require.NoError(t, store.Upsert(ctx, seeded))
		return repo, store, remote
	}

	t.Run("create", func(t *testing.T) {
		repo, store, remote := setup(t)
		var created models.Note
		remote.after = func() {
			var err error
			created, err = repo.Create(ctx, "fresh", "")
			require.NoError(t, err)
		}

		require.NoError(t, repo.Refresh(ctx))

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "fresh", got.Title)
	})

	t.Run("update", func(t *testing.T) {
		repo, store, remote := setup(t)
		remote.after = func() {
			_, err := repo.Update(ctx, 5, "new", "")
			require.NoError(t, err)
		}

		require.NoError(t, repo.Refresh(ctx))

		got, err := store.Get(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "new", got.Title)
	})

	t.Run("delete", func(t *testing.T) {
		repo, store, remote := setup(t)
		remote.after = func() {
			require.NoError(t, repo.Delete(ctx, 5))
		}

		require.NoError(t, repo.Refresh(ctx))

		_, err := store.Get(ctx, 5)
		assert.ErrorIs(t, err, models.ErrNoteNotFound)
	})

	t.Run("next refresh catches up", func(t *testing.T) {
		repo, store, remote := setup(t)
		remote.after = func() {
			_, err := repo.Update(ctx, 5, "new", "")
			require.NoError(t, err)
		}
		require.NoError(t, repo.Refresh(ctx))

		remote.Seed(models.Note{ID: 5, Title: "from web"})
		require.NoError(t, repo.Refresh(ctx))

		got, err := store.Get(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "from web", got.Title)
	})
}

func TestObserveAllSeesSwapOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t)
	h.remote.SetOffline(true)
	created, err := h.repo.Create(ctx, "watch me", "")
	require.NoError(t, err)
	h.remote.SetOffline(false)

	snapshots := h.repo.ObserveAll(ctx)
	first := <-snapshots
	require.Len(t, first, 1)
	assert.Equal(t, created.ID, first[0].ID)

	_, err = h.worker.Drain(ctx)
	require.NoError(t, err)

	select {
	case next := <-snapshots:
		require.Len(t, next, 1, "never a snapshot with both or neither record")
		assert.Greater(t, next[0].ID, int64(0))
		assert.False(t, next[0].Pending)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after swap")
	}
}
