package storage

import (
	"context"
	"sort"

	"github.com/TheMichaelB/notesync/internal/models"
)

// NoteStore is the local, always-available copy of the user's notes.
//
// Snapshots delivered through ObserveAll are shared between subscribers
// and must be treated as read-only.
type NoteStore interface {
	// Upsert replaces the record with the same id.
	Upsert(ctx context.Context, note models.Note) error

	// UpsertAll replaces every given record in one commit.
	UpsertAll(ctx context.Context, notes []models.Note) error

	// Apply upserts and removes records in one commit with one emission.
	Apply(ctx context.Context, upsert []models.Note, remove []int64) error

	// Delete removes a record. Removing an absent id is a no-op.
	Delete(ctx context.Context, id int64) error

	// Swap replaces the record tempID with note atomically. Repeating a
	// swap that already happened only rewrites note.
	Swap(ctx context.Context, tempID int64, note models.Note) error

	// Get returns one record or models.ErrNoteNotFound.
	Get(ctx context.Context, id int64) (models.Note, error)

	// List returns every record, newest first.
	List(ctx context.Context) ([]models.Note, error)

	// ObserveAll emits the current list on subscribe and after every
	// committed mutation. The channel closes when ctx ends.
	ObserveAll(ctx context.Context) <-chan []models.Note

	// ObserveOne emits the record whenever it changes, nil when absent.
	ObserveOne(ctx context.Context, id int64) <-chan *models.Note

	// Clear removes every record.
	Clear(ctx context.Context) error

	// MinID returns the lowest stored id, or 0 when empty.
	MinID(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}

// sortNotes orders by updated_at DESC, id DESC.
func sortNotes(notes []models.Note) {
	sort.SliceStable(notes, func(i, j int) bool {
		a, b := notes[i], notes[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
}

// sameNote compares two records field by field, ignoring the
// monotonic clock and location of timestamps.
func sameNote(a, b *models.Note) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.CreatorName == b.CreatorName &&
		a.CreatorUsername == b.CreatorUsername &&
		a.Pending == b.Pending
}

// observeOne derives a distinct-until-changed stream of one record from
// a stream of snapshots.
func observeOne(ctx context.Context, snapshots <-chan []models.Note, id int64) <-chan *models.Note {
	out := make(chan *models.Note, 1)

	go func() {
		defer close(out)

		var last *models.Note
		first := true
		for snapshot := range snapshots {
			var current *models.Note
			for i := range snapshot {
				if snapshot[i].ID == id {
					n := snapshot[i]
					current = &n
					break
				}
			}

			if !first && sameNote(last, current) {
				continue
			}
			first = false
			last = current

			// Latest wins for slow readers.
			select {
			case <-out:
			default:
			}
			select {
			case out <- current:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
