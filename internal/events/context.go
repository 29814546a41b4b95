package events

import (
	"context"
	"os"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	noteIDKey
	jobIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithNoteID adds a note ID to context.
func WithNoteID(ctx context.Context, id int64) context.Context {
	logger := FromContext(ctx).WithField("note_id", id)
	ctx = context.WithValue(ctx, noteIDKey, id)
	return WithLogger(ctx, logger)
}

// WithJobID adds a sync job ID to context.
func WithJobID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("job_id", id)
	ctx = context.WithValue(ctx, jobIDKey, id)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetNoteID retrieves the note ID from context.
func GetNoteID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(noteIDKey).(int64)
	return id, ok
}

// GetJobID retrieves the job ID from context.
func GetJobID(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewTestLogger(InfoLevel, "text", os.Stderr)
)

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}
