// Package core declares the ports between the dubbing services and their storage and
// execution backends.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/target/dubbing-api/internal/domain/model"
)

// These interfaces are the contracts between the service layer and the adapters.
// Services depend on them, never on concrete implementations.

// TaskRepository defines the durable scheduler queue.
type TaskRepository interface {
	// Create enqueues a task keyed by req.ID. created is false when the id already existed.
	Create(ctx context.Context, req *model.CreateTaskRequest) (task *model.Task, created bool, err error)
	GetByID(ctx context.Context, id string) (*model.Task, error)
	ReserveNext(ctx context.Context, taskType model.TaskType, leaseSeconds int) (*model.Task, error)
	WaitForNotification(ctx context.Context, taskType model.TaskType) error
	Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	// Fail records a failed attempt. It returns nil when the task was not running.
	Fail(ctx context.Context, id, errMsg string) (*model.TaskFailure, error)
	// Reschedule returns a running task to pending after delay without charging an attempt.
	Reschedule(ctx context.Context, id string, delay time.Duration) (bool, error)
	// Resubmit resets a terminal task to pending. beforeCommit, when non-nil, runs inside the
	// transaction after the reset succeeded and before the task becomes reservable; an error
	// from it rolls the reset back.
	Resubmit(ctx context.Context, id string, beforeCommit func(*model.Task) error) (*model.Task, error)
	Stats(ctx context.Context, taskType model.TaskType) (*model.TaskStats, error)
	List(ctx context.Context, opts *model.TaskListOptions) ([]*model.Task, error)
	Delete(ctx context.Context, id string) error
}

// DeleteOldTasksParams groups parameters for ReaperRepository.DeleteOldTasks.
type DeleteOldTasksParams struct {
	Status    model.TaskStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the queue hygiene operations. Both return the ids they touched.
type ReaperRepository interface {
	FailStalePendingTasks(ctx context.Context, maxAge time.Duration, batchSize int) ([]string, error)
	DeleteOldTasks(ctx context.Context, params DeleteOldTasksParams) ([]string, error)
}

// StateStore holds the externally visible job state, logs and live events.
type StateStore interface {
	CreateJob(ctx context.Context, id, sourceURL string) error
	SetStatus(ctx context.Context, id string, update model.StatusUpdate) error
	SetResult(ctx context.Context, id, resultURL string) error
	AppendLog(ctx context.Context, id, message string) error
	GetState(ctx context.Context, id string) (*model.JobState, error)
	GetLogs(ctx context.Context, id string, limit int) ([]string, error)
	Subscribe(ctx context.Context, id string) (EventSubscription, error)
	EventsSince(ctx context.Context, id string, seq int64) ([]model.Event, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// EventSubscription yields one job's events in publish order.
type EventSubscription interface {
	// Receive waits up to timeout and returns (nil, nil) when nothing arrived.
	Receive(ctx context.Context, timeout time.Duration) (*model.Event, error)
	Close() error
}

var (
	// ErrLeaseHeld is returned when another worker holds a job's execution lease.
	ErrLeaseHeld = errors.New("execution lease held by another worker")
	// ErrLeaseLost is returned when a lease expired or changed owner before it was extended.
	ErrLeaseLost = errors.New("execution lease lost")
)

// ExecutionLease guards a job id so at most one attempt runs at a time.
type ExecutionLease interface {
	Acquire(ctx context.Context, jobID, token string, ttl time.Duration) error
	Extend(ctx context.Context, jobID, token string, ttl time.Duration) error
	Release(ctx context.Context, jobID, token string) error
}
