package notes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/transport"
)

const notesPath = "api/notes/"

// maxPages bounds pagination against a server that keeps returning a
// next cursor.
const maxPages = 1000

// Service talks to the remote notes API.
type Service struct {
	transport transport.Transport
	logger    *events.Logger
}

// NewService creates a notes service. transport must authenticate
// requests.
func NewService(transport transport.Transport, logger *events.Logger) *Service {
	return &Service{
		transport: transport,
		logger:    logger.WithField("service", "notes"),
	}
}

// ListNotes fetches every page of the user's notes.
func (s *Service) ListNotes(ctx context.Context) ([]models.Note, error) {
	s.logger.Debug("Fetching note list")

	var all []models.Note
	path := notesPath
	for page := 0; path != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("list notes: more than %d pages", maxPages)
		}

		var list models.NoteList
		if err := s.transport.Do(ctx, http.MethodGet, path, nil, &list); err != nil {
			return nil, fmt.Errorf("list notes: %w", err)
		}

		if all == nil {
			all = make([]models.Note, 0, list.Count)
		}
		all = append(all, list.Results...)
		path = list.NextCursor()
	}

	s.logger.WithField("count", len(all)).Debug("Fetched notes")
	return all, nil
}

// GetNote fetches one note.
func (s *Service) GetNote(ctx context.Context, id int64) (models.Note, error) {
	var note models.Note
	if err := s.transport.Do(ctx, http.MethodGet, notePath(id), nil, &note); err != nil {
		return models.Note{}, fmt.Errorf("get note %d: %w", id, err)
	}
	return note, nil
}

// CreateNote creates a note and returns the server's record.
func (s *Service) CreateNote(ctx context.Context, req models.NoteRequest) (models.Note, error) {
	var note models.Note
	if err := s.transport.Do(ctx, http.MethodPost, notesPath, req, &note); err != nil {
		return models.Note{}, fmt.Errorf("create note: %w", err)
	}

	s.logger.WithField("note_id", note.ID).Debug("Created note")
	return note, nil
}

// UpdateNote patches title and description.
func (s *Service) UpdateNote(ctx context.Context, id int64, req models.NoteRequest) (models.Note, error) {
	var note models.Note
	if err := s.transport.Do(ctx, http.MethodPatch, notePath(id), req, &note); err != nil {
		return models.Note{}, fmt.Errorf("update note %d: %w", id, err)
	}
	return note, nil
}

// DeleteNote removes a note.
func (s *Service) DeleteNote(ctx context.Context, id int64) error {
	if err := s.transport.Do(ctx, http.MethodDelete, notePath(id), nil, nil); err != nil {
		return fmt.Errorf("delete note %d: %w", id, err)
	}
	return nil
}

func notePath(id int64) string {
	return fmt.Sprintf("%s%d/", notesPath, id)
}
