package storage

import (
	"context"
	"sync"

	"github.com/TheMichaelB/notesync/internal/models"
)

// MemoryStore keeps notes in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[int64]models.Note
	hub   *hub
}

// NewMemoryStore creates an empty in-memory note store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes: make(map[int64]models.Note),
		hub:   newHub(),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, note models.Note) error {
	return m.Apply(ctx, []models.Note{note}, nil)
}

func (m *MemoryStore) UpsertAll(ctx context.Context, notes []models.Note) error {
	return m.Apply(ctx, notes, nil)
}

func (m *MemoryStore) Apply(ctx context.Context, upsert []models.Note, remove []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, id := range remove {
		if _, ok := m.notes[id]; ok {
			delete(m.notes, id)
			changed = true
		}
	}
	for _, n := range upsert {
		m.notes[n.ID] = n
		changed = true
	}

	if changed {
		m.publishLocked()
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	return m.Apply(ctx, nil, []int64{id})
}

func (m *MemoryStore) Swap(ctx context.Context, tempID int64, note models.Note) error {
	return m.Apply(ctx, []models.Note{note}, []int64{tempID})
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (models.Note, error) {
	if err := ctx.Err(); err != nil {
		return models.Note{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notes[id]
	if !ok {
		return models.Note{}, models.ErrNoteNotFound
	}
	return n, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(), nil
}

func (m *MemoryStore) ObserveAll(ctx context.Context) <-chan []models.Note {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hub.subscribe(ctx, m.snapshotLocked())
}

func (m *MemoryStore) ObserveOne(ctx context.Context, id int64) <-chan *models.Note {
	return observeOne(ctx, m.ObserveAll(ctx), id)
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.notes = make(map[int64]models.Note)
	m.publishLocked()
	return nil
}

func (m *MemoryStore) MinID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lowest int64
	first := true
	for id := range m.notes {
		if first || id < lowest {
			lowest = id
			first = false
		}
	}
	return lowest, nil
}

func (m *MemoryStore) Close() error {
	m.hub.close()
	return nil
}

func (m *MemoryStore) snapshotLocked() []models.Note {
	out := make([]models.Note, 0, len(m.notes))
	for _, n := range m.notes {
		out = append(out, n)
	}
	sortNotes(out)
	return out
}

func (m *MemoryStore) publishLocked() {
	if m.hub.active() {
		m.hub.publish(m.snapshotLocked())
	}
}

var _ NoteStore = (*MemoryStore)(nil)
