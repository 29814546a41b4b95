package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/notesync/internal/models"
)

// MemoryJobStore keeps the job log in process memory.
type MemoryJobStore struct {
	mu   sync.RWMutex
	seq  int64
	jobs map[string]models.SyncJob
}

// NewMemoryJobStore creates an empty in-memory job log.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]models.SyncJob)}
}

func (m *MemoryJobStore) Enqueue(ctx context.Context, job *models.SyncJob) error {
	if err := validate(job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m.seq++
	job.Seq = m.seq
	job.Status = models.JobEnqueued
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryJobStore) Pending(ctx context.Context) ([]models.SyncJob, error) {
	return m.filter(func(models.SyncJob) bool { return true }), nil
}

func (m *MemoryJobStore) PendingForNote(ctx context.Context, noteID int64) ([]models.SyncJob, error) {
	return m.filter(func(j models.SyncJob) bool { return j.NoteID == noteID }), nil
}

func (m *MemoryJobStore) Get(ctx context.Context, id string) (models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.SyncJob{}, models.ErrJobNotFound
	}
	return job, nil
}

func (m *MemoryJobStore) Update(ctx context.Context, job models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.jobs[job.ID]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Seq = existing.Seq
	job.Kind = existing.Kind
	job.CreatedAt = existing.CreatedAt
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryJobStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryJobStore) RemoveForNote(ctx context.Context, noteID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, job := range m.jobs {
		if job.NoteID == noteID {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryJobStore) Retarget(ctx context.Context, oldID, newID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, job := range m.jobs {
		if job.NoteID == oldID {
			job.NoteID = newID
			m.jobs[id] = job
			n++
		}
	}
	return n, nil
}

func (m *MemoryJobStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs), nil
}

func (m *MemoryJobStore) Purge(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.jobs)
	m.jobs = make(map[string]models.SyncJob)
	return n, nil
}

func (m *MemoryJobStore) Close() error {
	return nil
}

func (m *MemoryJobStore) filter(keep func(models.SyncJob) bool) []models.SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.SyncJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if keep(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

var _ JobStore = (*MemoryJobStore)(nil)
