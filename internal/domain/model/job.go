// Package model defines the core data types shared by the dubbing job system.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JobStatus represents the lifecycle status of a translation job as seen by callers.
type JobStatus string

const (
	// JobStatusQueued indicates the job was accepted and waits for a worker.
	JobStatusQueued JobStatus = "QUEUED"
	// JobStatusRunning indicates a worker is driving the job through the pipeline.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusDone indicates the pipeline finished and a result is available.
	JobStatusDone JobStatus = "DONE"
	// JobStatusFailed indicates the latest attempt failed.
	JobStatusFailed JobStatus = "FAILED"
)

// Progress bounds.
const (
	ProgressMin = 0
	ProgressMax = 100
)

// ErrJobNotFound is returned when no state exists for a job id.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusDone || s == JobStatusFailed
}

// Terminal reports whether the status ends an attempt.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// RUNNING -> RUNNING is a progress update and RUNNING -> QUEUED hands an interrupted attempt
// back to the queue. FAILED -> RUNNING is a scheduler retry. DONE -> RUNNING is a redelivery of
// a task whose completion never reached the queue. QUEUED -> FAILED and FAILED -> FAILED cover
// tasks that are given up on before another attempt starts.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusRunning || next == JobStatusDone || next == JobStatusFailed || next == JobStatusQueued
	case JobStatusFailed:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusDone:
		return next == JobStatusRunning
	default:
		return false
	}
}

// CheckStatusUpdate validates u against the status a job currently has.
func CheckStatusUpdate(current JobStatus, u StatusUpdate) error {
	if u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("invalid job status %q", u.Status)
	}
	if u.ResultURL != "" && u.Status != JobStatusDone {
		return fmt.Errorf("%w: a result url is only recorded with %s", ErrInvalidTransition, JobStatusDone)
	}
	if u.Status != "" && !current.CanTransitionTo(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, u.Status)
	}
	return nil
}

// ClampProgress bounds p to [ProgressMin, ProgressMax].
func ClampProgress(p int) int {
	if p < ProgressMin {
		return ProgressMin
	}
	if p > ProgressMax {
		return ProgressMax
	}
	return p
}

// JobState is the durable snapshot of a job kept in the state store.
type JobState struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	ResultURL string    `json:"resultUrl,omitempty"`
	Error     string    `json:"error,omitempty"`
	SourceURL string    `json:"sourceUrl"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Checkpoint holds the last progress value recorded before the latest failure.
	Checkpoint *int       `json:"checkpoint,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// StatusUpdate carries the fields merged into a job by a status change.
// Nil pointers leave the stored value untouched. An empty Error clears it.
// Any status other than DONE clears a previously recorded result URL.
type StatusUpdate struct {
	Status     JobStatus
	Progress   *int
	Error      *string
	Checkpoint *int
	Attempt    *int
	// ResultURL is written together with JobStatusDone and is rejected with any other status.
	ResultURL string
}

// CreateJobRequest is a submission of a new video for translation.
type CreateJobRequest struct {
	SourceURL string         `json:"sourceUrl"`
	Options   map[string]any `json:"options,omitempty"`
}

// Validate checks that the source is an absolute http(s) URL.
func (r *CreateJobRequest) Validate() error {
	raw := strings.TrimSpace(r.SourceURL)
	if raw == "" {
		return errors.New("source url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("source url must use http or https")
	}
	if u.Host == "" {
		return errors.New("source url must include a host")
	}
	r.SourceURL = raw
	return nil
}
