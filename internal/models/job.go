package models

import (
	"fmt"
	"time"
)

// JobKind identifies the remote mutation a deferred job replays.
type JobKind string

const (
	JobCreate JobKind = "create"
	JobUpdate JobKind = "update"
	JobDelete JobKind = "delete"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobCreate, JobUpdate, JobDelete:
		return true
	}
	return false
}

// JobStatus tracks a job through the worker state machine.
type JobStatus string

const (
	JobEnqueued  JobStatus = "enqueued"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// SyncJob is a durable unit of pending remote work.
type SyncJob struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	Kind          JobKind   `json:"kind"`
	NoteID        int64     `json:"note_id"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	Attempts      int       `json:"attempts"`
	Status        JobStatus `json:"status"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	// RemoteID is the server id of a replayed create, recorded before
	// the local swap so an interrupted swap can finish on restart.
	RemoteID int64 `json:"remote_id,omitempty"`
}

// Payload returns the note fields carried by the job.
func (j *SyncJob) Payload() NoteRequest {
	return NoteRequest{Title: j.Title, Description: j.Description}
}

// Due reports whether the job may run at now.
func (j *SyncJob) Due(now time.Time) bool {
	return j.NextAttemptAt.IsZero() || !now.Before(j.NextAttemptAt)
}

func (j *SyncJob) String() string {
	return fmt.Sprintf("%s note %d (job %s, attempt %d)", j.Kind, j.NoteID, j.ID, j.Attempts)
}
