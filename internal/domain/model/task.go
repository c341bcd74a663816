package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskType represents the kind of work a scheduler task carries.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskType string

// TaskStatus represents the queue status of a scheduler task.
type TaskStatus string

const (
	// TaskTypeTranslateVideo runs the full translation pipeline for one job.
	TaskTypeTranslateVideo TaskType = "translate_video"

	// TaskStatusPending indicates a task is waiting to be reserved.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker holds the task lease.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the handler finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
)

// DefaultMaxAttempts is the attempt cap applied when a request does not set one.
const DefaultMaxAttempts = 3

var (
	// ErrNoTasksAvailable is returned when no tasks are available for reservation.
	ErrNoTasksAvailable = errors.New("no tasks available")
	// ErrTaskNotFound is returned when a task is not found.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskActive is returned when a task cannot be resubmitted or deleted because it is pending or running.
	ErrTaskActive = errors.New("task is still pending or running")
)

// UnmarshalText implements encoding.TextUnmarshaler for TaskType to allow env parsing.
func (t *TaskType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	tt := TaskType(v)
	if tt.Valid() {
		*t = tt
		return nil
	}
	return fmt.Errorf("invalid TaskType: %q", v)
}

// Valid returns true if the TaskType is valid.
func (t TaskType) Valid() bool {
	return t == TaskTypeTranslateVideo
}

// Valid returns true if the TaskStatus is valid.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusPending || s == TaskStatusRunning || s == TaskStatusCompleted ||
		s == TaskStatusFailed
}

// Task is a durable scheduler entry. Its ID equals the job id it executes.
type Task struct {
	ID             string          `json:"id"                         db:"id"`
	Type           TaskType        `json:"type"                       db:"type"`
	Status         TaskStatus      `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// Attempt returns the 1-based number of the attempt currently owning the task.
func (t *Task) Attempt() int {
	return t.RetryCount + 1
}

// CreateTaskRequest represents a request to enqueue a task.
type CreateTaskRequest struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
}

// Validate validates the CreateTaskRequest fields.
func (r *CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("task id is required")
	}
	if !r.Type.Valid() {
		return errors.New("invalid task type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// TaskStats represents statistics about tasks in different states.
type TaskStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// TranslateVideoPayload is the payload of a translate_video task.
type TranslateVideoPayload struct {
	SourceURL string         `json:"source_url"`
	Options   map[string]any `json:"options,omitempty"`
}

// TaskFailure describes where a task landed after a failed attempt.
type TaskFailure struct {
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	// NextAttemptAt is set when the task went back to pending.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Final reports whether the failure exhausted the task's attempts.
func (f *TaskFailure) Final() bool {
	return f != nil && f.Status == TaskStatusFailed
}
