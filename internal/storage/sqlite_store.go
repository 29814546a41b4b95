package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
)

// SQLiteNoteStore persists notes in SQLite.
type SQLiteNoteStore struct {
	db     *sql.DB
	logger *events.Logger

	// mu serializes writers so emissions follow commit order.
	mu  sync.RWMutex
	hub *hub
}

// NewSQLiteNoteStore opens (or creates) the notes table in dbPath.
func NewSQLiteNoteStore(dbPath string, logger *events.Logger) (*SQLiteNoteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteNoteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_note_store"),
		hub:    newHub(),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteNoteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS notes (
        id INTEGER PRIMARY KEY,
        title TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL DEFAULT 0,
        updated_at INTEGER NOT NULL,
        creator_name TEXT NOT NULL DEFAULT '',
        creator_username TEXT NOT NULL DEFAULT '',
        pending INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at DESC, id DESC);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteNoteStore) Upsert(ctx context.Context, note models.Note) error {
	return s.Apply(ctx, []models.Note{note}, nil)
}

func (s *SQLiteNoteStore) UpsertAll(ctx context.Context, notes []models.Note) error {
	return s.Apply(ctx, notes, nil)
}

func (s *SQLiteNoteStore) Delete(ctx context.Context, id int64) error {
	return s.Apply(ctx, nil, []int64{id})
}

// Swap deletes tempID and writes note in one transaction.
func (s *SQLiteNoteStore) Swap(ctx context.Context, tempID int64, note models.Note) error {
	s.logger.WithFields(map[string]interface{}{
		"temp_id": tempID,
		"note_id": note.ID,
	}).Debug("Swapping note id")

	return s.Apply(ctx, []models.Note{note}, []int64{tempID})
}

func (s *SQLiteNoteStore) Apply(ctx context.Context, upsert []models.Note, remove []int64) error {
	if len(upsert) == 0 && len(remove) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed := false

	if len(remove) > 0 {
		stmt, err := tx.PrepareContext(ctx, "DELETE FROM notes WHERE id = ?")
		if err != nil {
			return fmt.Errorf("prepare delete: %w", err)
		}
		defer stmt.Close()

		for _, id := range remove {
			res, err := stmt.ExecContext(ctx, id)
			if err != nil {
				return fmt.Errorf("delete note %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				changed = true
			}
		}
	}

	if len(upsert) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO notes (id, title, description, created_at, updated_at, creator_name, creator_username, pending)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            title = excluded.title,
            description = excluded.description,
            created_at = excluded.created_at,
            updated_at = excluded.updated_at,
            creator_name = excluded.creator_name,
            creator_username = excluded.creator_username,
            pending = excluded.pending
    `)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, n := range upsert {
			_, err := stmt.ExecContext(ctx,
				n.ID, n.Title, n.Description,
				toUnix(n.CreatedAt), toUnix(n.UpdatedAt),
				n.CreatorName, n.CreatorUsername, n.Pending,
			)
			if err != nil {
				return fmt.Errorf("upsert note %d: %w", n.ID, err)
			}
		}
		changed = true
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if changed {
		s.publishLocked(ctx)
	}
	return nil
}

func (s *SQLiteNoteStore) Get(ctx context.Context, id int64) (models.Note, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, title, description, created_at, updated_at, creator_name, creator_username, pending
        FROM notes
        WHERE id = ?
    `, id)

	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Note{}, models.ErrNoteNotFound
	}
	if err != nil {
		return models.Note{}, fmt.Errorf("query note %d: %w", id, err)
	}
	return n, nil
}

func (s *SQLiteNoteStore) List(ctx context.Context) ([]models.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, title, description, created_at, updated_at, creator_name, creator_username, pending
        FROM notes
        ORDER BY updated_at DESC, id DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	notes := make([]models.Note, 0)
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note row: %w", err)
		}
		notes = append(notes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

// ObserveAll subscribes to list snapshots. A failed initial read is
// logged and delivered as an empty list.
func (s *SQLiteNoteStore) ObserveAll(ctx context.Context) <-chan []models.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()

	notes, err := s.List(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load initial snapshot")
		notes = []models.Note{}
	}
	return s.hub.subscribe(ctx, notes)
}

func (s *SQLiteNoteStore) ObserveOne(ctx context.Context, id int64) <-chan *models.Note {
	return observeOne(ctx, s.ObserveAll(ctx), id)
}

func (s *SQLiteNoteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM notes"); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	s.logger.Info("Cleared local notes")

	s.publishLocked(ctx)
	return nil
}

func (s *SQLiteNoteStore) MinID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(id) FROM notes").Scan(&id); err != nil {
		return 0, fmt.Errorf("query min id: %w", err)
	}
	return id.Int64, nil
}

// Close ends subscriptions and closes the database.
func (s *SQLiteNoteStore) Close() error {
	s.hub.close()
	return s.db.Close()
}

// publishLocked emits the committed state. Caller holds mu.
func (s *SQLiteNoteStore) publishLocked(ctx context.Context) {
	if !s.hub.active() {
		return
	}

	// The mutation is committed; do not let a cancelled caller starve
	// subscribers of it.
	notes, err := s.List(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.WithError(err).Error("Failed to load snapshot for subscribers")
		return
	}
	s.hub.publish(notes)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (models.Note, error) {
	var n models.Note
	var createdAt, updatedAt int64
	err := row.Scan(
		&n.ID, &n.Title, &n.Description,
		&createdAt, &updatedAt,
		&n.CreatorName, &n.CreatorUsername, &n.Pending,
	)
	if err != nil {
		return models.Note{}, err
	}
	n.CreatedAt = fromUnix(createdAt)
	n.UpdatedAt = fromUnix(updatedAt)
	return n, nil
}

// Timestamps are stored as unix nanoseconds so ORDER BY is exact.
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

var _ NoteStore = (*SQLiteNoteStore)(nil)
