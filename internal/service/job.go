package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
)

// DefaultLogLimit is the number of log lines returned with a job when the caller does not ask.
const DefaultLogLimit = 200

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store  core.StateStore // Required: job state store
	Tasks  *TaskService    // Required: scheduler queue
	Policy *SourcePolicy   // Optional: source host allowlist, nil allows any host
	NewID  func() string   // Optional: job id generator, defaults to NewJobID
	Logger *slog.Logger    // Optional: structured logger
}

// JobService is the caller-facing API for translation jobs: submission, lookup, retry and purge.
type JobService struct {
	store  core.StateStore
	tasks  *TaskService
	policy *SourcePolicy
	newID  func() string
	logger *slog.Logger
}

// JobDetails is a job snapshot plus its most recent log lines.
type JobDetails struct {
	State *model.JobState
	Logs  []string
}

// NewJobID returns a random 32-character hex id.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewJobService constructs a JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("StateStore is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("TaskService is required")
	}
	newID := opts.NewID
	if newID == nil {
		newID = NewJobID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:  opts.Store,
		tasks:  opts.Tasks,
		policy: opts.Policy,
		newID:  newID,
		logger: logger.With("component", "job_service"),
	}, nil
}

// Submit validates req, records the job as QUEUED and enqueues its task.
// If enqueueing fails the job is marked FAILED and the error returned.
func (s *JobService) Submit(ctx context.Context, req *model.CreateJobRequest) (string, error) {
	if req == nil {
		return "", &ValidationError{Msg: "request body is required"}
	}
	if err := req.Validate(); err != nil {
		return "", &ValidationError{Msg: err.Error()}
	}
	if !s.policy.Allows(req.SourceURL) {
		return "", &ValidationError{Msg: "source url host is not allowed"}
	}

	id := s.newID()
	if err := s.store.CreateJob(ctx, id, req.SourceURL); err != nil {
		return "", fmt.Errorf("create job state: %w", err)
	}

	payload := model.TranslateVideoPayload{SourceURL: req.SourceURL, Options: req.Options}
	if _, _, err := s.tasks.EnqueueTranslation(ctx, id, payload); err != nil {
		msg := "enqueue failed: " + err.Error()
		if setErr := s.store.SetStatus(ctx, id, model.StatusUpdate{
			Status:   model.JobStatusFailed,
			Progress: intPtr(0),
			Error:    &msg,
		}); setErr != nil {
			s.logger.WarnContext(ctx, "mark unqueued job failed", "job_id", id, "error", setErr)
		}
		return "", fmt.Errorf("submit job: %w", err)
	}

	s.logger.InfoContext(ctx, "job submitted", "job_id", id, "source_url", req.SourceURL)
	return id, nil
}

// Get returns the job snapshot and its most recent logLimit log lines.
func (s *JobService) Get(ctx context.Context, id string, logLimit int) (*JobDetails, error) {
	st, err := s.store.GetState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if logLimit <= 0 {
		logLimit = DefaultLogLimit
	}
	logs, err := s.store.GetLogs(ctx, id, logLimit)
	if err != nil {
		return nil, fmt.Errorf("get job logs %s: %w", id, err)
	}
	return &JobDetails{State: st, Logs: logs}, nil
}

// Retry puts a finished job back on the queue with a fresh attempt budget. The job state is
// reset to QUEUED inside the queue transaction, after the task was found terminal and before
// any worker can reserve it.
func (s *JobService) Retry(ctx context.Context, id string) error {
	_, err := s.tasks.Resubmit(ctx, id, func(task *model.Task) error {
		var payload model.TranslateVideoPayload
		if err := decodePayload(task.Payload, &payload); err != nil {
			return err
		}
		if err := s.store.CreateJob(ctx, id, payload.SourceURL); err != nil {
			return fmt.Errorf("reset job state: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			return fmt.Errorf("retry job %s: %w", id, model.ErrJobNotFound)
		}
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if err := s.store.AppendLog(ctx, id, "Job resubmitted"); err != nil {
		s.logger.WarnContext(ctx, "append resubmit log", "job_id", id, "error", err)
	}
	s.logger.InfoContext(ctx, "job resubmitted", "job_id", id)
	return nil
}

// Purge removes the task row and every state key of a finished job.
func (s *JobService) Purge(ctx context.Context, id string) error {
	if err := s.tasks.Delete(ctx, id); err != nil && !errors.Is(err, model.ErrTaskNotFound) {
		return fmt.Errorf("purge job %s: %w", id, err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("purge job state %s: %w", id, err)
	}
	return nil
}

// ValidationError reports a request the service refuses to act on.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
