package model

import "time"

// EventType identifies what kind of job mutation an event describes.
type EventType string

const (
	// EventTypeStatus is published on every status or progress change.
	EventTypeStatus EventType = "status"
	// EventTypeLog is published for every appended log line.
	EventTypeLog EventType = "log"
	// EventTypeResult is published when a result URL is recorded.
	EventTypeResult EventType = "result"
)

// Event is a transient notification derived from a job mutation.
// Seq is monotonic per job and lets subscribers ask for events they missed.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status,omitempty"`
	Progress  *int      `json:"progress,omitempty"`
	Error     *string   `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
	Timestamp time.Time `json:"ts"`
}
