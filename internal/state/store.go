package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/notesync/internal/models"
)

// JobStore is the durable, seq-ordered log of deferred remote mutations.
type JobStore interface {
	// Enqueue appends job, assigning ID (when empty), Seq, CreatedAt and
	// the enqueued status.
	Enqueue(ctx context.Context, job *models.SyncJob) error

	// Pending returns every job in seq order.
	Pending(ctx context.Context) ([]models.SyncJob, error)

	// PendingForNote returns the jobs for one note in seq order.
	PendingForNote(ctx context.Context, noteID int64) ([]models.SyncJob, error)

	// Get returns one job or models.ErrJobNotFound.
	Get(ctx context.Context, id string) (models.SyncJob, error)

	// Update persists status, attempts, schedule, error and payload.
	Update(ctx context.Context, job models.SyncJob) error

	// Remove deletes one job. Removing an absent job is a no-op.
	Remove(ctx context.Context, id string) error

	// RemoveForNote deletes every job for a note.
	RemoveForNote(ctx context.Context, noteID int64) (int, error)

	// Retarget moves jobs queued for oldID to newID, keeping seq.
	Retarget(ctx context.Context, oldID, newID int64) (int, error)

	// Count returns the number of queued jobs.
	Count(ctx context.Context) (int, error)

	// Purge deletes every job.
	Purge(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrInvalidJob = errors.New("invalid sync job")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 2

func validate(job *models.SyncJob) error {
	if job == nil {
		return ErrInvalidJob
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, job.Kind)
	}
	if job.NoteID == 0 {
		return fmt.Errorf("%w: note id is zero", ErrInvalidJob)
	}
	return nil
}
