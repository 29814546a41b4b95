package models_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/notesync/internal/models"
)

func TestParseAPIError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
		wantType   string
	}{
		{
			name:       "structured body",
			status:     400,
			body:       `{"type":"validation_error","errors":[{"attr":"title","code":"blank","detail":"This field may not be blank."}]}`,
			wantDetail: "This field may not be blank.",
			wantType:   "validation_error",
		},
		{
			name:       "first non-empty detail wins",
			status:     400,
			body:       `{"type":"validation_error","errors":[{"attr":"title","code":"blank"},{"attr":"description","detail":"Too long."}]}`,
			wantDetail: "Too long.",
			wantType:   "validation_error",
		},
		{
			name:       "empty errors",
			status:     403,
			body:       `{"type":"client_error","errors":[]}`,
			wantDetail: models.DefaultErrorDetail,
			wantType:   "client_error",
		},
		{
			name:       "not json",
			status:     502,
			body:       `<html>bad gateway</html>`,
			wantDetail: models.DefaultErrorDetail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := models.ParseAPIError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.wantDetail, err.Detail())
			assert.Equal(t, tt.wantType, err.Type)
		})
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &models.APIError{
		StatusCode: 400,
		Type:       "validation_error",
		Errors:     []models.ErrorDetail{{Attr: "title", Code: "blank", Detail: "This field may not be blank."}},
	}

	assert.Equal(t, "API error 400 (validation_error): This field may not be blank.", err.Error())
}

func TestErrorClassification(t *testing.T) {
	transportErr := &models.TransportError{Op: "POST api/notes/", Err: context.DeadlineExceeded}
	wrapped := fmt.Errorf("create note: %w", transportErr)

	tests := []struct {
		name       string
		err        error
		retriable  bool
		validation bool
		notFound   bool
		session    bool
	}{
		{name: "transport", err: wrapped, retriable: true},
		{name: "server error", err: &models.APIError{StatusCode: 503}, retriable: true},
		{name: "rate limited", err: &models.APIError{StatusCode: 429}, retriable: true},
		{name: "request timeout", err: &models.APIError{StatusCode: 408}, retriable: true},
		{name: "bad request", err: &models.APIError{StatusCode: 400}, validation: true},
		{name: "not found", err: fmt.Errorf("x: %w", &models.APIError{StatusCode: 404}), validation: true, notFound: true},
		{name: "unauthorized", err: &models.APIError{StatusCode: 401}, session: true},
		{name: "session expired", err: fmt.Errorf("refresh: %w", models.ErrSessionExpired), session: true},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retriable, models.IsRetriable(tt.err), "retriable")
			assert.Equal(t, tt.validation, models.IsValidation(tt.err), "validation")
			assert.Equal(t, tt.notFound, models.IsNotFound(tt.err), "not found")
			assert.Equal(t, tt.session, models.IsSessionEnded(tt.err), "session")
		})
	}

	assert.True(t, models.IsTransport(wrapped))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}

func TestSyncError(t *testing.T) {
	inner := &models.APIError{StatusCode: 500}
	err := &models.SyncError{Op: "update", NoteID: 5, JobID: "job-1", Err: inner}

	assert.Equal(t, "sync update: note 5: job job-1: API error 500: An unknown error occurred", err.Error())

	apiErr, ok := models.AsAPIError(err)
	require.True(t, ok)
	assert.Same(t, inner, apiErr)

	noJob := &models.SyncError{Op: "create", NoteID: -3, Err: errors.New("offline")}
	assert.Equal(t, "sync create: note -3: offline", noJob.Error())
}
