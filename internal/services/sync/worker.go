package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/notesync/internal/config"
	"github.com/TheMichaelB/notesync/internal/creds"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
)

// Worker drains the job log, replaying queued mutations against the
// remote and reconciling the local store.
type Worker struct {
	repo   *Repository
	creds  creds.Credentials
	conn   Connectivity
	config *config.SyncConfig
	logger *events.Logger

	kick   chan struct{}
	passMu sync.Mutex

	mu           sync.Mutex
	events       chan Event
	eventsClosed bool

	now func() time.Time
}

// NewWorker creates a worker over repo and registers it as the
// repository's scheduler.
func NewWorker(repo *Repository, store creds.Credentials, conn Connectivity, cfg *config.SyncConfig, logger *events.Logger) *Worker {
	if logger == nil {
		logger = events.NewNopLogger()
	}
	w := &Worker{
		repo:   repo,
		creds:  store,
		conn:   conn,
		config: cfg,
		logger: logger.WithField("component", "sync_worker"),
		kick:   make(chan struct{}, 1),
		events: make(chan Event, 100),
		now:    func() time.Time { return time.Now().UTC() },
	}
	repo.SetScheduler(w)
	return w
}

// Events returns the progress channel.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Kick requests a pass from Run. Kicks coalesce.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Drain runs one pass over the job log. It does nothing and returns
// models.ErrOffline when the API is unreachable, and
// models.ErrNotAuthenticated when no credentials are stored.
func (w *Worker) Drain(ctx context.Context) (Report, error) {
	if !w.conn.Online(ctx) {
		return Report{}, models.ErrOffline
	}
	if _, err := w.creds.Read(); err != nil {
		if errors.Is(err, models.ErrNotAuthenticated) {
			return Report{}, models.ErrNotAuthenticated
		}
		return Report{}, fmt.Errorf("read credentials: %w", err)
	}

	w.passMu.Lock()
	defer w.passMu.Unlock()

	start := time.Now()
	gen := w.repo.epoch.Load()

	jobs, err := w.repo.jobs.Pending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read job log: %w", err)
	}
	if len(jobs) == 0 {
		return Report{}, nil
	}

	groups := groupByNote(jobs)
	w.logger.WithFields(map[string]interface{}{
		"jobs":  len(jobs),
		"notes": len(groups),
	}).Debug("Starting pass")
	w.emitEvent(Event{Type: EventPassStarted, Timestamp: time.Now()})

	counts := &tally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.config.MaxConcurrent, 1))
	for _, group := range groups {
		g.Go(func() error {
			return w.runGroup(gctx, gen, group, counts)
		})
	}
	passErr := g.Wait()

	report := counts.snapshot()
	w.summarize(context.WithoutCancel(ctx), &report)
	report.Duration = time.Since(start)

	w.emitEvent(Event{
		Type:      EventPassCompleted,
		Timestamp: time.Now(),
		Report:    &report,
		Error:     passErr,
	})
	w.logger.WithFields(map[string]interface{}{
		"attempted": report.Attempted,
		"succeeded": report.Succeeded,
		"retrying":  report.Retrying,
		"failed":    report.Failed,
		"remaining": report.Remaining,
		"duration":  report.Duration.String(),
	}).Info("Pass completed")

	return report, passErr
}

// Run drains on every poll tick, on every Kick and when the earliest
// retry becomes due, until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	var (
		retry  *time.Timer
		retryC <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		report := w.drainLogged(ctx)

		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
		if !report.NextAttemptAt.IsZero() {
			delay := report.NextAttemptAt.Sub(w.now())
			if delay < 0 {
				delay = 0
			}
			retry = time.NewTimer(delay)
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.kick:
		case <-retryC:
		}
	}
}

// Close closes the event channel.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.eventsClosed {
		w.eventsClosed = true
		close(w.events)
	}
}

func (w *Worker) drainLogged(ctx context.Context) Report {
	report, err := w.Drain(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.Is(err, models.ErrOffline):
		w.logger.Debug("Offline, skipping pass")
	case errors.Is(err, models.ErrNotAuthenticated) && report.Attempted == 0:
		w.logger.Debug("Not signed in, skipping pass")
	case models.IsSessionEnded(err):
		w.logger.WithError(err).Warn("Session ended during pass")
	default:
		w.logger.WithError(err).Error("Pass failed")
	}
	return report
}

// runGroup replays one note's jobs in seq order. A job that is not yet
// due, or that was scheduled for retry, blocks the rest of the group.
func (w *Worker) runGroup(ctx context.Context, gen uint64, group []models.SyncJob, t *tally) error {
	for i, job := range group {
		if w.repo.epoch.Load() != gen || ctx.Err() != nil {
			return nil
		}
		if !job.Due(w.now()) {
			t.add(func(r *Report) { r.Deferred += len(group) - i })
			return nil
		}

		proceed, err := w.runJob(ctx, gen, job.ID, t)
		if err != nil {
			return err
		}
		if !proceed {
			t.add(func(r *Report) { r.Deferred += len(group) - i - 1 })
			return nil
		}
	}
	return nil
}

func (w *Worker) runJob(ctx context.Context, gen uint64, jobID string, t *tally) (bool, error) {
	queued, err := w.repo.jobs.Get(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read job %s: %w", jobID, err)
	}

	_, unlock, err := w.repo.lockNote(ctx, queued.NoteID)
	if err != nil {
		return false, nil
	}
	defer unlock()

	w.repo.apply.RLock()
	defer w.repo.apply.RUnlock()

	// The job may have been folded, retargeted or dropped while this
	// pass waited for the lock.
	job, err := w.repo.jobs.Get(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if w.repo.epoch.Load() != gen {
		return false, nil
	}
	w.repo.touched.add(job.NoteID)

	persist := context.WithoutCancel(ctx)
	job.Status = models.JobRunning
	job.Attempts++
	w.saveJob(persist, job)
	t.add(func(r *Report) { r.Attempted++ })

	logger := w.logger.WithFields(map[string]interface{}{
		"note_id": job.NoteID,
		"job_id":  job.ID,
		"kind":    string(job.Kind),
		"attempt": job.Attempts,
	})
	w.emitEvent(Event{Type: EventJobStarted, Timestamp: time.Now(), Job: &job})

	err = w.execute(events.WithJobID(ctx, job.ID), gen, &job)
	switch {
	case err == nil:
		job.Status = models.JobSucceeded
		if rerr := w.repo.jobs.Remove(persist, job.ID); rerr != nil {
			logger.WithError(rerr).Error("Failed to remove completed job")
		}
		t.add(func(r *Report) { r.Succeeded++ })
		w.emitEvent(Event{Type: EventJobSucceeded, Timestamp: time.Now(), Job: &job})
		logger.Debug("Job succeeded")
		return true, nil

	case errors.Is(err, errPurged):
		return false, nil

	case ctx.Err() != nil:
		// Interrupted, not failed.
		job.Attempts--
		job.Status = models.JobEnqueued
		w.saveJob(persist, job)
		return false, nil

	case models.IsSessionEnded(err):
		job.Attempts--
		job.Status = models.JobEnqueued
		job.LastError = err.Error()
		w.saveJob(persist, job)
		logger.WithError(err).Warn("Session ended, stopping pass")
		return false, &models.SyncError{Op: string(job.Kind), NoteID: job.NoteID, JobID: job.ID, Err: err}

	case models.IsRetriable(err) && job.Attempts < w.config.MaxAttempts:
		delay := w.backoff(job.Attempts)
		job.Status = models.JobRetrying
		job.NextAttemptAt = w.now().Add(delay)
		job.LastError = err.Error()
		w.saveJob(persist, job)
		t.add(func(r *Report) { r.Retrying++ })
		w.emitEvent(Event{Type: EventJobRetrying, Timestamp: time.Now(), Job: &job, Error: err})
		logger.WithError(err).WithField("retry_in", delay.String()).Info("Job will be retried")
		return false, nil

	default:
		job.Status = models.JobFailed
		job.LastError = err.Error()
		w.dropFailed(persist, job, logger)
		t.add(func(r *Report) { r.Failed++ })
		w.emitEvent(Event{
			Type:      EventJobFailed,
			Timestamp: time.Now(),
			Job:       &job,
			Error:     &models.SyncError{Op: string(job.Kind), NoteID: job.NoteID, JobID: job.ID, Err: err},
		})
		logger.WithError(err).Warn("Job failed permanently")
		return true, nil
	}
}

func (w *Worker) execute(ctx context.Context, gen uint64, job *models.SyncJob) error {
	switch job.Kind {
	case models.JobCreate:
		return w.replayCreate(ctx, gen, job)

	case models.JobUpdate:
		updated, err := w.repo.remote.UpdateNote(ctx, job.NoteID, job.Payload())
		if err != nil {
			return err
		}
		if w.repo.epoch.Load() != gen {
			return errPurged
		}
		persist := context.WithoutCancel(ctx)
		later, err := w.laterJobs(persist, job)
		if err != nil {
			return err
		}
		if later > 0 {
			return nil
		}
		if _, err := w.repo.store.Get(persist, job.NoteID); err != nil {
			if errors.Is(err, models.ErrNoteNotFound) {
				return nil
			}
			return err
		}
		updated.Pending = false
		return w.repo.store.Upsert(persist, updated)

	case models.JobDelete:
		err := w.repo.remote.DeleteNote(ctx, job.NoteID)
		if err != nil && !models.IsNotFound(err) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// replayCreate creates the note remotely and swaps the temporary record
// for the confirmed one. The server id is saved on the job before the
// swap, so a replay interrupted after the remote call finishes the swap
// without creating the note a second time.
func (w *Worker) replayCreate(ctx context.Context, gen uint64, job *models.SyncJob) error {
	tempID := job.NoteID
	if !models.IsTemporaryID(tempID) {
		return nil
	}

	persist := context.WithoutCancel(ctx)
	local, err := w.repo.store.Get(ctx, tempID)
	stored := err == nil
	if err != nil && !errors.Is(err, models.ErrNoteNotFound) {
		return fmt.Errorf("read note %d: %w", tempID, err)
	}

	var created models.Note
	if job.RemoteID == 0 {
		if !stored {
			return nil
		}
		created, err = w.repo.remote.CreateNote(ctx, job.Payload())
		if err != nil {
			return err
		}
		if w.repo.epoch.Load() != gen {
			return errPurged
		}
		job.RemoteID = created.ID
		if err := w.repo.jobs.Update(persist, *job); err != nil {
			return fmt.Errorf("record remote id for note %d: %w", tempID, err)
		}
	} else {
		created = models.Note{
			ID:          job.RemoteID,
			Title:       job.Title,
			Description: job.Description,
			CreatedAt:   job.CreatedAt,
			UpdatedAt:   w.now(),
		}
		if stored {
			created.CreatedAt = local.CreatedAt
		}
		w.logger.WithFields(map[string]interface{}{
			"temp_id":   tempID,
			"remote_id": job.RemoteID,
			"swapped":   !stored,
		}).Info("Resuming interrupted create")
	}

	unlock, err := w.repo.locks.Lock(persist, created.ID)
	if err != nil {
		return err
	}
	defer unlock()
	w.repo.touched.add(created.ID)

	if stored {
		later, err := w.laterJobs(persist, job)
		if err != nil {
			return err
		}
		created.Pending = later > 0
		if later > 0 {
			created.Title = local.Title
			created.Description = local.Description
		}

		if err := w.repo.store.Swap(persist, tempID, created); err != nil {
			return fmt.Errorf("swap note %d: %w", tempID, err)
		}
	}
	w.repo.aliases.record(tempID, created.ID)

	moved, err := w.repo.jobs.Retarget(persist, tempID, created.ID)
	if err != nil {
		return fmt.Errorf("retarget jobs for note %d: %w", tempID, err)
	}
	job.NoteID = created.ID

	w.logger.WithFields(map[string]interface{}{
		"temp_id":    tempID,
		"remote_id":  created.ID,
		"retargeted": moved - 1,
	}).Info("Pending note confirmed")
	return nil
}

func (w *Worker) dropFailed(ctx context.Context, job models.SyncJob, logger *events.Logger) {
	if err := w.repo.jobs.Remove(ctx, job.ID); err != nil {
		logger.WithError(err).Error("Failed to remove failed job")
	}
	if job.Kind != models.JobCreate || !models.IsTemporaryID(job.NoteID) {
		return
	}
	dropped, err := w.repo.jobs.RemoveForNote(ctx, job.NoteID)
	if err != nil {
		logger.WithError(err).Error("Failed to drop jobs for unconfirmed note")
		return
	}
	if dropped > 0 {
		logger.WithField("dropped", dropped).Warn("Dropped jobs queued behind failed create")
	}
}

// laterJobs counts jobs queued for the same note after job.
func (w *Worker) laterJobs(ctx context.Context, job *models.SyncJob) (int, error) {
	queued, err := w.repo.jobs.PendingForNote(ctx, job.NoteID)
	if err != nil {
		return 0, fmt.Errorf("read queued jobs: %w", err)
	}
	n := 0
	for _, q := range queued {
		if q.Seq > job.Seq {
			n++
		}
	}
	return n, nil
}

func (w *Worker) saveJob(ctx context.Context, job models.SyncJob) {
	err := w.repo.jobs.Update(ctx, job)
	if err != nil && !errors.Is(err, models.ErrJobNotFound) {
		w.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to persist job state")
	}
}

// backoff doubles from the retry delay per attempt, capped at the max.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.config.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.config.MaxRetryDelay || delay <= 0 {
			return w.config.MaxRetryDelay
		}
	}
	if delay > w.config.MaxRetryDelay {
		return w.config.MaxRetryDelay
	}
	return delay
}

func (w *Worker) summarize(ctx context.Context, report *Report) {
	remaining, err := w.repo.jobs.Pending(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to read remaining jobs")
		return
	}
	report.Remaining = len(remaining)

	now := w.now()
	for _, job := range remaining {
		if !job.NextAttemptAt.After(now) {
			continue
		}
		if report.NextAttemptAt.IsZero() || job.NextAttemptAt.Before(report.NextAttemptAt) {
			report.NextAttemptAt = job.NextAttemptAt
		}
	}
}

func (w *Worker) emitEvent(event Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.eventsClosed {
		return
	}

	select {
	case w.events <- event:
	default:
		w.logger.Debug("Event channel full, dropping event")
	}
}

// groupByNote splits seq-ordered jobs into per-note groups, ordered by
// each group's first seq.
func groupByNote(jobs []models.SyncJob) [][]models.SyncJob {
	index := make(map[int64]int)
	var groups [][]models.SyncJob
	for _, job := range jobs {
		i, ok := index[job.NoteID]
		if !ok {
			i = len(groups)
			index[job.NoteID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], job)
	}
	return groups
}

type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) add(fn func(*Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.report)
}

func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}
