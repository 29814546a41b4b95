package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
)

// SQLiteJobStore implements the job log in SQLite. It survives restarts.
type SQLiteJobStore struct {
	db     *sql.DB
	logger *events.Logger
	mu     sync.Mutex
}

// NewSQLiteJobStore opens (or creates) the sync_jobs table in dbPath.
func NewSQLiteJobStore(dbPath string, logger *events.Logger) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteJobStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_job_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteJobStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sync_jobs (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        kind TEXT NOT NULL,
        note_id INTEGER NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        description TEXT NOT NULL DEFAULT '',
        attempts INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        next_attempt_at INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        remote_id INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_sync_jobs_note ON sync_jobs(note_id, seq);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return s.migrate()
}

// migrate brings job logs written by schema version 1 up to date.
func (s *SQLiteJobStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT MIN(version) FROM schema_info").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	rows, err := s.db.Query("PRAGMA table_info(sync_jobs)")
	if err != nil {
		return fmt.Errorf("read sync_jobs columns: %w", err)
	}
	hasRemoteID := false
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scan column: %w", err)
		}
		if name == "remote_id" {
			hasRemoteID = true
		}
	}
	rows.Close()

	if !hasRemoteID {
		if _, err := s.db.Exec("ALTER TABLE sync_jobs ADD COLUMN remote_id INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("add remote_id column: %w", err)
		}
	}
	if _, err := s.db.Exec("DELETE FROM schema_info WHERE version < ?", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	s.logger.WithField("version", CurrentSchemaVersion).Info("Migrated job log")
	return nil
}

func (s *SQLiteJobStore) Enqueue(ctx context.Context, job *models.SyncJob) error {
	if err := validate(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = models.JobEnqueued

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_jobs (id, kind, note_id, title, description, attempts, status, next_attempt_at, last_error, created_at, remote_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, job.ID, string(job.Kind), job.NoteID, job.Title, job.Description,
		job.Attempts, string(job.Status), toUnix(job.NextAttemptAt), job.LastError, toUnix(job.CreatedAt), job.RemoteID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read job seq: %w", err)
	}
	job.Seq = seq

	s.logger.WithFields(map[string]interface{}{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"note_id": job.NoteID,
		"seq":     seq,
	}).Debug("Job enqueued")

	return nil
}

func (s *SQLiteJobStore) Pending(ctx context.Context) ([]models.SyncJob, error) {
	return s.query(ctx, selectJobs+" ORDER BY seq")
}

func (s *SQLiteJobStore) PendingForNote(ctx context.Context, noteID int64) ([]models.SyncJob, error) {
	return s.query(ctx, selectJobs+" WHERE note_id = ? ORDER BY seq", noteID)
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (models.SyncJob, error) {
	jobs, err := s.query(ctx, selectJobs+" WHERE id = ?", id)
	if err != nil {
		return models.SyncJob{}, err
	}
	if len(jobs) == 0 {
		return models.SyncJob{}, models.ErrJobNotFound
	}
	return jobs[0], nil
}

func (s *SQLiteJobStore) Update(ctx context.Context, job models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_jobs SET
            note_id = ?,
            title = ?,
            description = ?,
            attempts = ?,
            status = ?,
            next_attempt_at = ?,
            last_error = ?,
            remote_id = ?
        WHERE id = ?
    `, job.NoteID, job.Title, job.Description, job.Attempts, string(job.Status),
		toUnix(job.NextAttemptAt), job.LastError, job.RemoteID, job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (s *SQLiteJobStore) Remove(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "DELETE FROM sync_jobs WHERE id = ?", id)
	return err
}

func (s *SQLiteJobStore) RemoveForNote(ctx context.Context, noteID int64) (int, error) {
	return s.exec(ctx, "DELETE FROM sync_jobs WHERE note_id = ?", noteID)
}

func (s *SQLiteJobStore) Retarget(ctx context.Context, oldID, newID int64) (int, error) {
	return s.exec(ctx, "UPDATE sync_jobs SET note_id = ? WHERE note_id = ?", newID, oldID)
}

func (s *SQLiteJobStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_jobs").Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteJobStore) Purge(ctx context.Context) (int, error) {
	n, err := s.exec(ctx, "DELETE FROM sync_jobs")
	if err == nil {
		s.logger.WithField("jobs", n).Info("Purged job log")
	}
	return n, err
}

// Close closes the database.
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

const selectJobs = `
    SELECT seq, id, kind, note_id, title, description, attempts, status, next_attempt_at, last_error, created_at, remote_id
    FROM sync_jobs`

func (s *SQLiteJobStore) query(ctx context.Context, q string, args ...any) ([]models.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.SyncJob, 0)
	for rows.Next() {
		var job models.SyncJob
		var kind, status string
		var nextAttempt, createdAt int64

		err := rows.Scan(&job.Seq, &job.ID, &kind, &job.NoteID, &job.Title, &job.Description,
			&job.Attempts, &status, &nextAttempt, &job.LastError, &createdAt, &job.RemoteID)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}

		job.Kind = models.JobKind(kind)
		job.Status = models.JobStatus(status)
		job.NextAttemptAt = fromUnix(nextAttempt)
		job.CreatedAt = fromUnix(createdAt)
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteJobStore) exec(ctx context.Context, q string, args ...any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("exec %q: %w", q, err)
	}
	n, err := res.RowsAffected()
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ JobStore = (*SQLiteJobStore)(nil)
