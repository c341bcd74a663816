package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	domaintask "github.com/target/dubbing-api/internal/domain/task"
	obserrors "github.com/target/dubbing-api/internal/observability/errors"
	"github.com/target/dubbing-api/internal/observability/notify"
	"github.com/target/dubbing-api/internal/service/failurenotifier"
)

// TaskServiceOptions groups dependencies for TaskService.
type TaskServiceOptions struct {
	Repo            core.TaskRepository        // Required: task repository
	DefaultLease    time.Duration              // Required unless LeasePolicy is set
	MaxAttempts     int                        // Optional: attempts per task, defaults to model.DefaultMaxAttempts
	Logger          *slog.Logger               // Optional: structured logger
	FailureNotifier *failurenotifier.Service   // Optional: fan-out for tasks that exhaust their attempts
	LeasePolicy     *domaintask.LeasePolicy    // Optional: override default lease policy
	Notifier        domaintask.Notifier        // Optional: custom task availability notifier
	NotifierOptions domaintask.NotifierOptions // Optional: configure default notifier behaviour
}

// TaskService wraps the scheduler queue: enqueueing, reservation, lease heartbeats and the
// terminal transitions, plus the wake-up fan-out for idle workers.
type TaskService struct {
	repo            core.TaskRepository
	leasePolicy     *domaintask.LeasePolicy
	notifier        domaintask.Notifier
	maxAttempts     int
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewTaskService constructs a TaskService.
func NewTaskService(opts TaskServiceOptions) (*TaskService, error) {
	if opts.Repo == nil {
		return nil, errors.New("TaskRepository is required")
	}

	leasePolicy := opts.LeasePolicy
	if leasePolicy == nil {
		var err error
		leasePolicy, err = domaintask.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domaintask.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create task notifier: %w", err)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskService{
		repo:            opts.Repo,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		maxAttempts:     maxAttempts,
		logger:          logger.With("component", "task_service"),
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MaxAttempts returns the attempt cap applied to new tasks.
func (s *TaskService) MaxAttempts() int { return s.maxAttempts }

// DefaultLease returns the task lease used when a caller passes zero.
func (s *TaskService) DefaultLease() time.Duration { return s.leasePolicy.Default() }

// EnqueueTranslation enqueues the translate_video task of jobID. A second call with the same
// id returns the existing task and created=false.
func (s *TaskService) EnqueueTranslation(
	ctx context.Context,
	jobID string,
	payload model.TranslateVideoPayload,
) (*model.Task, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}
	req := &model.CreateTaskRequest{
		ID:         jobID,
		Type:       model.TaskTypeTranslateVideo,
		Payload:    raw,
		MaxRetries: s.maxAttempts,
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	task, created, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue task %s: %w", jobID, err)
	}
	if created {
		s.notifier.Notify(req.Type)
	}
	s.logger.DebugContext(ctx, "task enqueued", "job_id", jobID, "created", created)
	return task, created, nil
}

// ReserveNext leases the next due task of taskType.
func (s *TaskService) ReserveNext(ctx context.Context, taskType model.TaskType, lease time.Duration) (*model.Task, error) {
	secs := s.leasePolicy.Seconds(lease)
	task, err := s.repo.ReserveNext(ctx, taskType, secs)
	if err != nil {
		return nil, fmt.Errorf("reserve next task: %w", err)
	}
	if task != nil {
		s.logger.DebugContext(ctx, "task reserved", "job_id", task.ID, "attempt", task.Attempt(), "lease_seconds", secs)
	}
	return task, nil
}

// Subscribe returns a wake-up channel for taskType and its unsubscribe function.
func (s *TaskService) Subscribe(taskType model.TaskType) (func(), <-chan struct{}) {
	return s.notifier.Subscribe(taskType)
}

// StopAllListeners stops the background LISTEN loops of the notifier.
func (s *TaskService) StopAllListeners() {
	s.notifier.StopAll()
}

// Heartbeat extends the task lease. false means the task is no longer running.
func (s *TaskService) Heartbeat(ctx context.Context, id string, lease time.Duration) (bool, error) {
	ok, err := s.repo.Heartbeat(ctx, id, s.leasePolicy.Seconds(lease))
	if err != nil {
		return false, fmt.Errorf("heartbeat task %s: %w", id, err)
	}
	return ok, nil
}

// Complete marks a running task completed.
func (s *TaskService) Complete(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	if ok {
		s.logger.DebugContext(ctx, "task completed", "job_id", id)
	}
	return ok, nil
}

// Reschedule hands a running task back to the queue after delay without charging an attempt.
func (s *TaskService) Reschedule(ctx context.Context, id string, delay time.Duration) (bool, error) {
	ok, err := s.repo.Reschedule(ctx, id, delay)
	if err != nil {
		return false, fmt.Errorf("reschedule task %s: %w", id, err)
	}
	if ok {
		s.logger.InfoContext(ctx, "task rescheduled", "job_id", id, "delay", delay)
	}
	return ok, nil
}

// TaskFailureDetails is the context attached to a failure notification.
type TaskFailureDetails struct {
	SourceURL string
	Stage     string
	Metadata  map[string]string
}

// Fail records a failed attempt. When the failure is final and a notifier is configured,
// the failure is fanned out to the alert sinks.
func (s *TaskService) Fail(
	ctx context.Context,
	task *model.Task,
	cause error,
	details TaskFailureDetails,
) (*model.TaskFailure, error) {
	if task == nil {
		return nil, errors.New("task is required")
	}
	if cause == nil {
		return nil, errors.New("failure cause is required")
	}

	failure, err := s.repo.Fail(ctx, task.ID, cause.Error())
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if failure == nil {
		s.logger.WarnContext(ctx, "fail ignored; task not running", "job_id", task.ID)
		return nil, nil
	}

	if !failure.Final() {
		s.logger.InfoContext(ctx, "task will be retried",
			"job_id", task.ID,
			"retry_count", failure.RetryCount,
			"next_attempt_at", failure.NextAttemptAt,
			"error", cause,
		)
		return failure, nil
	}

	s.logger.WarnContext(ctx, "task exhausted its attempts", "job_id", task.ID, "attempts", failure.RetryCount, "error", cause)
	if s.failureNotifier.Enabled() {
		s.failureNotifier.NotifyJobFailure(ctx, buildTaskFailurePayload(task, failure, cause, details))
	}
	return failure, nil
}

func buildTaskFailurePayload(
	task *model.Task,
	failure *model.TaskFailure,
	cause error,
	details TaskFailureDetails,
) notify.JobFailurePayload {
	meta := make(map[string]string, len(details.Metadata)+2)
	for k, v := range details.Metadata {
		if k != "" && v != "" {
			meta[k] = v
		}
	}
	meta["retry_count"] = strconv.Itoa(failure.RetryCount)
	meta["task_status"] = string(failure.Status)

	return notify.JobFailurePayload{
		JobID:       task.ID,
		TaskType:    string(task.Type),
		SourceURL:   details.SourceURL,
		Stage:       details.Stage,
		Attempt:     task.Attempt(),
		MaxAttempts: task.MaxRetries,
		Error:       cause.Error(),
		ErrorClass:  obserrors.Classify(cause),
		Severity:    notify.SeverityCritical,
		Metadata:    meta,
	}
}

// Resubmit resets a completed or failed task to pending with a fresh attempt budget.
// beforeCommit runs after the task was found terminal and before it becomes reservable.
func (s *TaskService) Resubmit(ctx context.Context, id string, beforeCommit func(*model.Task) error) (*model.Task, error) {
	task, err := s.repo.Resubmit(ctx, id, beforeCommit)
	if err != nil {
		return nil, fmt.Errorf("resubmit task %s: %w", id, err)
	}
	s.notifier.Notify(task.Type)
	return task, nil
}

// GetByID returns the task for a job id.
func (s *TaskService) GetByID(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// Stats returns task counts per status for taskType.
func (s *TaskService) Stats(ctx context.Context, taskType model.TaskType) (*model.TaskStats, error) {
	stats, err := s.repo.Stats(ctx, taskType)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

// List returns tasks newest first.
func (s *TaskService) List(ctx context.Context, opts *model.TaskListOptions) ([]*model.Task, error) {
	if opts == nil {
		opts = &model.TaskListOptions{}
	}
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	tasks, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a task that is not pending or running.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}
