package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/state"
	"github.com/TheMichaelB/notesync/internal/storage"
)

// Deps are the collaborators shared by Repository and Worker.
type Deps struct {
	Store  storage.NoteStore
	Jobs   state.JobStore
	Remote Remote
	Locks  *state.KeyLock
	Logger *events.Logger
}

// Scheduler is notified after a job is enqueued.
type Scheduler interface {
	Kick()
}

// Repository is the caller-facing note API. Every mutation lands in the
// local store first and is then attempted remotely; failed attempts
// become jobs in the log for the worker to replay.
type Repository struct {
	store  storage.NoteStore
	jobs   state.JobStore
	remote Remote
	locks  *state.KeyLock
	logger *events.Logger

	aliases *aliasTable

	// Mutations hold apply for reading; Refresh and Reset hold it
	// exclusively.
	apply sync.RWMutex

	// epoch advances on every purge. A call that started in an older
	// epoch never writes to the job log.
	epoch atomic.Uint64

	// touched collects ids written while a refresh is listing remotely.
	touched touchSet

	idMu     sync.Mutex
	nextID   int64
	idSeeded bool

	schedMu   sync.RWMutex
	scheduler Scheduler

	now func() time.Time
}

// NewRepository creates a repository over deps.
func NewRepository(deps Deps) *Repository {
	locks := deps.Locks
	if locks == nil {
		locks = state.NewKeyLock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = events.NewNopLogger()
	}

	return &Repository{
		store:   deps.Store,
		jobs:    deps.Jobs,
		remote:  deps.Remote,
		locks:   locks,
		logger:  logger.WithField("component", "sync_repository"),
		aliases: newAliasTable(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler registers the component kicked after every enqueue.
func (r *Repository) SetScheduler(s Scheduler) {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	r.scheduler = s
}

// Refresh pulls every remote note into the local store. Records with
// queued jobs keep their local state until the jobs replay. Confirmed
// records the server no longer has are removed.
func (r *Repository) Refresh(ctx context.Context) error {
	r.touched.begin()
	defer r.touched.end()

	remote, err := r.remote.ListNotes(ctx)
	if err != nil {
		if models.IsTransport(err) {
			r.logger.WithError(err).Info("Refresh failed, serving cached notes")
			return fmt.Errorf("%w: %w", models.ErrOffline, err)
		}
		return fmt.Errorf("refresh notes: %w", err)
	}

	r.apply.Lock()
	defer r.apply.Unlock()

	skip, err := r.queuedNotes(ctx)
	if err != nil {
		return err
	}
	queued := len(skip)
	// Writes that landed after the listing are newer than it.
	for id := range r.touched.snapshot() {
		skip[id] = struct{}{}
	}

	local, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list local notes: %w", err)
	}

	seen := make(map[int64]struct{}, len(remote))
	upsert := make([]models.Note, 0, len(remote))
	for _, note := range remote {
		seen[note.ID] = struct{}{}
		if _, ok := skip[note.ID]; ok {
			continue
		}
		note.Pending = false
		upsert = append(upsert, note)
	}

	var remove []int64
	for _, note := range local {
		if models.IsTemporaryID(note.ID) {
			continue
		}
		if _, ok := seen[note.ID]; ok {
			continue
		}
		if _, ok := skip[note.ID]; ok {
			continue
		}
		remove = append(remove, note.ID)
	}

	if err := r.store.Apply(ctx, upsert, remove); err != nil {
		return fmt.Errorf("apply refresh: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"remote":  len(remote),
		"updated": len(upsert),
		"removed": len(remove),
		"skipped": len(skip),
		"queued":  queued,
	}).Info("Refreshed notes")

	return nil
}

// Create stores a new note under a temporary id and tries to create it
// remotely. When the server is unreachable the pending note is returned
// with a nil error and the create is queued.
func (r *Repository) Create(ctx context.Context, title, description string) (models.Note, error) {
	epoch := r.epoch.Load()

	tempID, err := r.allocateID(ctx)
	if err != nil {
		return models.Note{}, err
	}

	unlock, err := r.locks.Lock(ctx, tempID)
	if err != nil {
		return models.Note{}, err
	}
	defer unlock()

	r.apply.RLock()
	defer r.apply.RUnlock()
	if r.epoch.Load() != epoch {
		return models.Note{}, errSignedOut
	}

	now := r.now()
	note := models.Note{
		ID:          tempID,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Pending:     true,
	}
	if err := r.store.Upsert(ctx, note); err != nil {
		return models.Note{}, fmt.Errorf("store pending note: %w", err)
	}

	logger := r.logger.WithField("note_id", tempID)

	created, err := r.remote.CreateNote(ctx, note.Payload())
	persist := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		created.Pending = false
		if err := r.store.Swap(persist, tempID, created); err != nil {
			return created, fmt.Errorf("swap note %d: %w", tempID, err)
		}
		r.aliases.record(tempID, created.ID)
		r.touched.add(created.ID)
		logger.WithField("remote_id", created.ID).Debug("Note created")
		return created, nil

	case models.IsValidation(err):
		if derr := r.store.Delete(persist, tempID); derr != nil {
			logger.WithError(derr).Error("Failed to roll back pending note")
		}
		return models.Note{}, err

	case models.IsSessionEnded(err):
		if qerr := r.enqueue(persist, epoch, models.JobCreate, note); qerr != nil {
			return note, qerr
		}
		return note, err

	default:
		logger.WithError(err).Info("Create deferred")
		if qerr := r.enqueue(persist, epoch, models.JobCreate, note); qerr != nil {
			return note, qerr
		}
		return note, nil
	}
}

// Update overwrites a note locally and remotely. Updates to notes that
// still carry a temporary id are folded into their queued create.
func (r *Repository) Update(ctx context.Context, id int64, title, description string) (models.Note, error) {
	epoch := r.epoch.Load()

	id, unlock, err := r.lockNote(ctx, id)
	if err != nil {
		return models.Note{}, err
	}
	defer unlock()

	r.apply.RLock()
	defer r.apply.RUnlock()
	if r.epoch.Load() != epoch {
		return models.Note{}, errSignedOut
	}
	r.touched.add(id)

	prev, err := r.store.Get(ctx, id)
	if err != nil {
		return models.Note{}, err
	}

	note := prev
	note.Title = title
	note.Description = description
	note.UpdatedAt = r.now()
	note.Pending = true
	if err := r.store.Upsert(ctx, note); err != nil {
		return models.Note{}, fmt.Errorf("store pending note: %w", err)
	}

	persist := context.WithoutCancel(ctx)
	logger := r.logger.WithField("note_id", id)

	if models.IsTemporaryID(id) {
		if err := r.foldIntoCreate(persist, epoch, note); err != nil {
			return note, err
		}
		return note, nil
	}

	queued, err := r.jobs.PendingForNote(ctx, id)
	if err != nil {
		return note, fmt.Errorf("read queued jobs: %w", err)
	}
	if len(queued) > 0 {
		logger.WithField("queued", len(queued)).Debug("Update queued behind earlier jobs")
		return note, r.enqueue(persist, epoch, models.JobUpdate, note)
	}

	updated, err := r.remote.UpdateNote(ctx, id, note.Payload())
	switch {
	case err == nil:
		updated.Pending = false
		if err := r.store.Upsert(persist, updated); err != nil {
			return updated, fmt.Errorf("store updated note: %w", err)
		}
		return updated, nil

	case models.IsValidation(err):
		if rerr := r.store.Upsert(persist, prev); rerr != nil {
			logger.WithError(rerr).Error("Failed to restore note")
		}
		return models.Note{}, err

	case models.IsSessionEnded(err):
		if qerr := r.enqueue(persist, epoch, models.JobUpdate, note); qerr != nil {
			return note, qerr
		}
		return note, err

	default:
		logger.WithError(err).Info("Update deferred")
		if qerr := r.enqueue(persist, epoch, models.JobUpdate, note); qerr != nil {
			return note, qerr
		}
		return note, nil
	}
}

// Delete removes a note locally and remotely. A note that never reached
// the server only loses its queued jobs.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	epoch := r.epoch.Load()

	id, unlock, err := r.lockNote(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	r.apply.RLock()
	defer r.apply.RUnlock()
	if r.epoch.Load() != epoch {
		return errSignedOut
	}
	r.touched.add(id)

	prev, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete local note: %w", err)
	}

	persist := context.WithoutCancel(ctx)
	logger := r.logger.WithField("note_id", id)

	if models.IsTemporaryID(id) {
		dropped, err := r.jobs.RemoveForNote(persist, id)
		if err != nil {
			return fmt.Errorf("drop queued jobs: %w", err)
		}
		logger.WithField("dropped", dropped).Debug("Deleted unsynced note")
		return nil
	}

	queued, err := r.jobs.PendingForNote(ctx, id)
	if err != nil {
		return fmt.Errorf("read queued jobs: %w", err)
	}
	if len(queued) > 0 {
		return r.enqueue(persist, epoch, models.JobDelete, prev)
	}

	err = r.remote.DeleteNote(ctx, id)
	switch {
	case err == nil, models.IsNotFound(err):
		return nil

	case models.IsValidation(err):
		if rerr := r.store.Upsert(persist, prev); rerr != nil {
			logger.WithError(rerr).Error("Failed to restore note")
		}
		return err

	case models.IsSessionEnded(err):
		if qerr := r.enqueue(persist, epoch, models.JobDelete, prev); qerr != nil {
			return qerr
		}
		return err

	default:
		logger.WithError(err).Info("Delete deferred")
		return r.enqueue(persist, epoch, models.JobDelete, prev)
	}
}

// Reset drops every queued job and every cached note under one exclusive
// hold. Calls in flight finish first, and none of them can queue a job
// afterwards. It returns the number of jobs dropped.
func (r *Repository) Reset(ctx context.Context) (int, error) {
	r.epoch.Add(1)

	r.apply.Lock()
	defer r.apply.Unlock()

	purged, err := r.jobs.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge job log: %w", err)
	}
	if err := r.store.Clear(ctx); err != nil {
		return purged, fmt.Errorf("clear notes: %w", err)
	}
	r.aliases.reset()

	r.logger.WithField("jobs", purged).Info("Local state reset")
	return purged, nil
}

// Notes returns every cached note, newest first.
func (r *Repository) Notes(ctx context.Context) ([]models.Note, error) {
	return r.store.List(ctx)
}

// Note returns one cached note. Temporary ids that were confirmed since
// the caller obtained them resolve to the confirmed note.
func (r *Repository) Note(ctx context.Context, id int64) (models.Note, error) {
	return r.store.Get(ctx, r.aliases.resolve(id))
}

// ObserveAll streams snapshots of the cache.
func (r *Repository) ObserveAll(ctx context.Context) <-chan []models.Note {
	return r.store.ObserveAll(ctx)
}

// ObserveOne streams one note, nil while absent.
func (r *Repository) ObserveOne(ctx context.Context, id int64) <-chan *models.Note {
	return r.store.ObserveOne(ctx, r.aliases.resolve(id))
}

// Pending lists queued jobs in replay order.
func (r *Repository) Pending(ctx context.Context) ([]models.SyncJob, error) {
	return r.jobs.Pending(ctx)
}

// Resolve maps a temporary id to its confirmed id when known.
func (r *Repository) Resolve(id int64) int64 {
	return r.aliases.resolve(id)
}

// lockNote takes the key lock for id, following an alias recorded while
// waiting.
func (r *Repository) lockNote(ctx context.Context, id int64) (int64, state.UnlockFunc, error) {
	id = r.aliases.resolve(id)
	for {
		unlock, err := r.locks.Lock(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		resolved := r.aliases.resolve(id)
		if resolved == id {
			return id, unlock, nil
		}
		unlock()
		id = resolved
	}
}

// allocateID hands out temporary ids below every id in the store and
// below -(unix millis), so ids never collide across restarts.
func (r *Repository) allocateID(ctx context.Context) (int64, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()

	if !r.idSeeded {
		minID, err := r.store.MinID(ctx)
		if err != nil {
			return 0, fmt.Errorf("seed temporary ids: %w", err)
		}
		seed := -r.now().UnixMilli()
		if minID <= seed {
			seed = minID - 1
		}
		r.nextID = seed
		r.idSeeded = true
	}

	id := r.nextID
	r.nextID--
	return id, nil
}

func (r *Repository) foldIntoCreate(ctx context.Context, epoch uint64, note models.Note) error {
	queued, err := r.jobs.PendingForNote(ctx, note.ID)
	if err != nil {
		return fmt.Errorf("read queued jobs: %w", err)
	}
	for _, job := range queued {
		if job.Kind != models.JobCreate {
			continue
		}
		job.Title = note.Title
		job.Description = note.Description
		if err := r.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("fold update into create: %w", err)
		}
		return nil
	}

	// The create was dropped after failing permanently; queue it again.
	return r.enqueue(ctx, epoch, models.JobCreate, note)
}

// enqueue appends a job unless the log was purged since the calling
// operation started in epoch. Callers hold apply for reading.
func (r *Repository) enqueue(ctx context.Context, epoch uint64, kind models.JobKind, note models.Note) error {
	if r.epoch.Load() != epoch {
		r.logger.WithFields(map[string]interface{}{
			"note_id": note.ID,
			"kind":    string(kind),
		}).Info("Job log purged during call, not queueing")
		return errSignedOut
	}

	job := &models.SyncJob{
		Kind:        kind,
		NoteID:      note.ID,
		Title:       note.Title,
		Description: note.Description,
	}
	if kind == models.JobDelete {
		job.Title, job.Description = "", ""
	}
	if err := r.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"note_id": job.NoteID,
		"job_id":  job.ID,
		"kind":    string(kind),
		"seq":     job.Seq,
	}).Debug("Job enqueued")

	r.schedMu.RLock()
	s := r.scheduler
	r.schedMu.RUnlock()
	if s != nil {
		s.Kick()
	}
	return nil
}

func (r *Repository) queuedNotes(ctx context.Context) (map[int64]struct{}, error) {
	jobs, err := r.jobs.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queued jobs: %w", err)
	}
	queued := make(map[int64]struct{}, len(jobs))
	for _, job := range jobs {
		queued[job.NoteID] = struct{}{}
	}
	return queued, nil
}

// aliasTable records temporary id to confirmed id mappings.
type aliasTable struct {
	mu sync.RWMutex
	m  map[int64]int64
}

func newAliasTable() *aliasTable {
	return &aliasTable{m: make(map[int64]int64)}
}

func (a *aliasTable) record(tempID, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[tempID] = id
}

func (a *aliasTable) resolve(id int64) int64 {
	if !models.IsTemporaryID(id) {
		return id
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if real, ok := a.m[id]; ok {
		return real
	}
	return id
}

func (a *aliasTable) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m = make(map[int64]int64)
}

// touchSet records note ids written while at least one refresh is
// between its remote listing and its local apply.
type touchSet struct {
	mu     sync.Mutex
	active int
	ids    map[int64]struct{}
}

func (t *touchSet) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		t.ids = make(map[int64]struct{})
	}
	t.active++
}

func (t *touchSet) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.active == 0 {
		t.ids = nil
	}
}

func (t *touchSet) add(ids ...int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		return
	}
	for _, id := range ids {
		t.ids[id] = struct{}{}
	}
}

func (t *touchSet) snapshot() map[int64]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]struct{}, len(t.ids))
	for id := range t.ids {
		out[id] = struct{}{}
	}
	return out
}

var (
	errPurged = errors.New("job log purged")

	// errSignedOut is returned by calls that overlapped a purge of the
	// job log, which only happens on sign-out.
	errSignedOut = fmt.Errorf("%w: signed out during call", models.ErrNotAuthenticated)
)
