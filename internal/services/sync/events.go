package sync

import (
	"time"

	"github.com/TheMichaelB/notesync/internal/models"
)

// EventType identifies worker progress events.
type EventType string

const (
	EventPassStarted   EventType = "pass_started"
	EventJobStarted    EventType = "job_started"
	EventJobSucceeded  EventType = "job_succeeded"
	EventJobRetrying   EventType = "job_retrying"
	EventJobFailed     EventType = "job_failed"
	EventPassCompleted EventType = "pass_completed"
)

// Event is emitted on the worker's event channel. Delivery is best
// effort: events are dropped while the channel is full.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Job       *models.SyncJob
	Report    *Report
	Error     error
}

// Report summarizes one drain pass.
type Report struct {
	Attempted int `json:"attempted" yaml:"attempted"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Retrying  int `json:"retrying" yaml:"retrying"`
	Failed    int `json:"failed" yaml:"failed"`
	Deferred  int `json:"deferred" yaml:"deferred"`
	Remaining int `json:"remaining" yaml:"remaining"`

	// NextAttemptAt is the earliest scheduled retry among remaining
	// jobs, zero when nothing is waiting on backoff.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}
