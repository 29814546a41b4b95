package transport

import (
	"context"
	"net/http"
)

// Transport issues JSON calls against the notes API.
type Transport interface {
	// Do sends in (when non-nil) as JSON and decodes the response into
	// out (when non-nil). path is relative to the API base URL unless it
	// is already absolute, as pagination cursors are.
	//
	// Failures without a response are *models.TransportError; non-2xx
	// responses are *models.APIError.
	Do(ctx context.Context, method, path string, in, out interface{}) error

	// Close releases idle connections.
	Close() error
}

// Middleware wraps the round tripper of a client.
type Middleware func(next http.RoundTripper) http.RoundTripper
