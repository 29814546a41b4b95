package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/TheMichaelB/notesync/internal/models"
)

// MockRemote mocks the note API for call-level assertions.
type MockRemote struct {
	mock.Mock
}

func NewMockRemote() *MockRemote {
	return &MockRemote{}
}

func (m *MockRemote) ListNotes(ctx context.Context) ([]models.Note, error) {
	args := m.Called(ctx)
	if notes := args.Get(0); notes != nil {
		return notes.([]models.Note), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRemote) CreateNote(ctx context.Context, req models.NoteRequest) (models.Note, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Note), args.Error(1)
}

func (m *MockRemote) UpdateNote(ctx context.Context, id int64, req models.NoteRequest) (models.Note, error) {
	args := m.Called(ctx, id, req)
	return args.Get(0).(models.Note), args.Error(1)
}

func (m *MockRemote) DeleteNote(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockConnectivity mocks reachability checks.
type MockConnectivity struct {
	mock.Mock
}

func (m *MockConnectivity) Online(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}
