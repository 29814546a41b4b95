package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Responses keyed by "METHOD path"; values are marshalled to JSON
	// and decoded into the caller's out value.
	Responses map[string]interface{}

	// Errors keyed like Responses.
	Errors map[string]error

	// Err fails every call when set.
	Err error

	// Handler, when set, answers every call not covered above.
	Handler func(method, path string, in interface{}) (interface{}, error)

	// Request tracking
	Requests []MockRequest

	closed bool
}

// MockRequest tracks one call.
type MockRequest struct {
	Method  string
	Path    string
	Payload interface{}
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Responses: make(map[string]interface{}),
		Errors:    make(map[string]error),
	}
}

// Do mocks a JSON call.
func (m *MockTransport) Do(ctx context.Context, method, path string, in, out interface{}) error {
	m.mu.Lock()
	m.Requests = append(m.Requests, MockRequest{Method: method, Path: path, Payload: in})

	key := method + " " + path
	err := m.Err
	if err == nil {
		err = m.Errors[key]
	}
	resp, ok := m.Responses[key]
	handler := m.Handler
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		if handler == nil {
			return fmt.Errorf("no mock response for %s", key)
		}
		resp, err = handler(method, path, in)
		if err != nil {
			return err
		}
	}

	if out == nil || resp == nil {
		return nil
	}

	// Round-trip through JSON like the real client.
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal mock response: %w", err)
	}
	return json.Unmarshal(data, out)
}

// AddResponse configures the answer for method and path.
func (m *MockTransport) AddResponse(method, path string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[method+" "+path] = response
}

// AddError configures a failure for method and path.
func (m *MockTransport) AddError(method, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[method+" "+path] = err
}

// Calls returns a copy of the recorded requests.
func (m *MockTransport) Calls() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.Requests))
	copy(out, m.Requests)
	return out
}

// Close mocks connection closing.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Transport = (*MockTransport)(nil)
