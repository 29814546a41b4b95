package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/notesync/internal/models"
)

// Remote operation names used by FakeRemote.
const (
	OpList   = "list"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ErrConnectionRefused is the cause carried by FakeRemote transport errors.
var ErrConnectionRefused = errors.New("connection refused")

// FakeRemote is an in-process note API with switchable connectivity and
// scripted failures.
type FakeRemote struct {
	mu       sync.Mutex
	notes    map[int64]models.Note
	nextID   int64
	offline  bool
	failures map[string][]error
	calls    map[string]int
	hook     func(op string)
}

// NewFakeRemote creates an empty remote. Server ids start at 1.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		notes:    make(map[int64]models.Note),
		nextID:   1,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Seed stores notes as if created remotely.
func (f *FakeRemote) Seed(notes ...models.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range notes {
		n.Pending = false
		f.notes[n.ID] = n
		if n.ID >= f.nextID {
			f.nextID = n.ID + 1
		}
	}
}

// SetOffline makes every call fail with a transport error.
func (f *FakeRemote) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailNext queues errors returned by the next calls of op.
func (f *FakeRemote) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// OnCall registers a hook run before every call, outside the lock.
func (f *FakeRemote) OnCall(hook func(op string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls returns how many times op was invoked.
func (f *FakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Notes returns the remote notes ordered by id.
func (f *FakeRemote) Notes() []models.Note {
	f.mu.Lock()
	defer f.mu.Unlock()

	notes := make([]models.Note, 0, len(f.notes))
	for _, n := range f.notes {
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
	return notes
}

// Note returns one remote note.
func (f *FakeRemote) Note(id int64) (models.Note, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	return n, ok
}

func (f *FakeRemote) ListNotes(ctx context.Context) ([]models.Note, error) {
	if err := f.begin(ctx, OpList); err != nil {
		return nil, err
	}
	return f.Notes(), nil
}

func (f *FakeRemote) CreateNote(ctx context.Context, req models.NoteRequest) (models.Note, error) {
	if err := f.begin(ctx, OpCreate); err != nil {
		return models.Note{}, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return models.Note{}, APIError(http.StatusBadRequest, "title", "This field may not be blank.")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	note := models.Note{
		ID:          f.nextID,
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.nextID++
	f.notes[note.ID] = note
	return note, nil
}

func (f *FakeRemote) UpdateNote(ctx context.Context, id int64, req models.NoteRequest) (models.Note, error) {
	if err := f.begin(ctx, OpUpdate); err != nil {
		return models.Note{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	note, ok := f.notes[id]
	if !ok {
		return models.Note{}, APIError(http.StatusNotFound, "", "Not found.")
	}
	note.Title = req.Title
	note.Description = req.Description
	note.UpdatedAt = time.Now().UTC()
	f.notes[id] = note
	return note, nil
}

func (f *FakeRemote) DeleteNote(ctx context.Context, id int64) error {
	if err := f.begin(ctx, OpDelete); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.notes[id]; !ok {
		return APIError(http.StatusNotFound, "", "Not found.")
	}
	delete(f.notes, id)
	return nil
}

func (f *FakeRemote) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if err := ctx.Err(); err != nil {
		return &models.TransportError{Op: op, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	if f.offline {
		return &models.TransportError{Op: op, Err: ErrConnectionRefused}
	}
	return nil
}

// APIError builds a structured API error as the server would return it.
func APIError(status int, attr, detail string) *models.APIError {
	typ := "client_error"
	switch {
	case status >= 500:
		typ = "server_error"
	case status == http.StatusBadRequest:
		typ = "validation_error"
	}
	return &models.APIError{
		StatusCode: status,
		Type:       typ,
		Errors: []models.ErrorDetail{{
			Attr:   attr,
			Code:   fmt.Sprintf("e%d", status),
			Detail: detail,
		}},
	}
}

// TransportError builds a connectivity failure for op.
func TransportError(op string) *models.TransportError {
	return &models.TransportError{Op: op, Err: ErrConnectionRefused}
}
