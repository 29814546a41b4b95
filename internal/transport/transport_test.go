package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/notesync/internal/config"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/transport"
)

func testConfig(url string) *config.APIConfig {
	return &config.APIConfig{
		BaseURL:    url,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		UserAgent:  "test",
	}
}

func TestHTTPClientRetriesReads(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"count": 0, "next": null, "previous": null, "results": []}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	client := transport.NewHTTPClient(testConfig(server.URL), logger)
	defer client.Close()

	var page models.NoteList
	err := client.Do(context.Background(), http.MethodGet, "api/notes/", nil, &page)

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Empty(t, page.Results)
}

func TestHTTPClientDoesNotRetryMutations(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL), events.NewNopLogger())

	err := client.Do(context.Background(), http.MethodPost, "api/notes/", models.NoteRequest{Title: "t"}, nil)

	apiErr, ok := models.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, models.IsRetriable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHTTPClientSendsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/notes/5/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))

		var req models.NoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "new title", req.Title)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.Note{ID: 5, Title: req.Title, Description: req.Description})
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL+"/"), events.NewNopLogger())

	var note models.Note
	err := client.Do(context.Background(), http.MethodPatch, "/api/notes/5/",
		models.NoteRequest{Title: "new title", Description: "d"}, &note)
	require.NoError(t, err)
	assert.Equal(t, int64(5), note.ID)
	assert.Equal(t, "new title", note.Title)
}

func TestHTTPClientNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL), events.NewNopLogger())

	var out models.Note
	require.NoError(t, client.Do(context.Background(), http.MethodDelete, "api/notes/1/", nil, &out))
	assert.Zero(t, out.ID)
}

func TestHTTPClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{
			"type": "validation_error",
			"errors": [{"attr": "title", "code": "blank", "detail": "This field may not be blank."}]
		}`))
	}))
	defer server.Close()

	client := transport.NewHTTPClient(testConfig(server.URL), events.NewNopLogger())

	err := client.Do(context.Background(), http.MethodPost, "api/notes/", models.NoteRequest{}, nil)
	require.Error(t, err)

	apiErr, ok := models.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "validation_error", apiErr.Type)
	assert.Equal(t, "This field may not be blank.", apiErr.Detail())
	assert.True(t, models.IsValidation(err))
}

func TestHTTPClientTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 0
	client := transport.NewHTTPClient(cfg, events.NewNopLogger())

	err := client.Do(context.Background(), http.MethodPost, "api/notes/", models.NoteRequest{Title: "x"}, nil)
	require.Error(t, err)
	assert.True(t, models.IsTransport(err), "got %T: %v", err, err)
	assert.True(t, models.IsRetriable(err))
}

func TestHTTPClientMiddlewareOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(r.Header.Get("X-Trace"))
	}))
	defer server.Close()

	tag := func(v string) transport.Middleware {
		return func(next http.RoundTripper) http.RoundTripper {
			return roundTripFunc(func(r *http.Request) (*http.Response, error) {
				r = r.Clone(r.Context())
				r.Header.Set("X-Trace", r.Header.Get("X-Trace")+v)
				return next.RoundTrip(r)
			})
		}
	}

	client := transport.NewHTTPClient(testConfig(server.URL), events.NewNopLogger(), tag("a"), tag("b"))

	var out string
	require.NoError(t, client.Do(context.Background(), http.MethodGet, "/", nil, &out))
	assert.Equal(t, "ab", out, "first middleware runs outermost")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestMockTransport(t *testing.T) {
	mock := transport.NewMockTransport()
	mock.AddResponse(http.MethodGet, "api/notes/1/", models.Note{ID: 1, Title: "one"})
	mock.AddError(http.MethodDelete, "api/notes/1/", &models.APIError{StatusCode: 404})

	var note models.Note
	require.NoError(t, mock.Do(context.Background(), http.MethodGet, "api/notes/1/", nil, &note))
	assert.Equal(t, "one", note.Title)

	err := mock.Do(context.Background(), http.MethodDelete, "api/notes/1/", nil, nil)
	assert.True(t, models.IsNotFound(err))

	err = mock.Do(context.Background(), http.MethodGet, "api/unknown/", nil, nil)
	assert.Error(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodDelete, calls[1].Method)
}
