package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	domaintask "github.com/target/dubbing-api/internal/domain/task"
)

// JobExecutor runs one attempt of a job.
type JobExecutor interface {
	Run(ctx context.Context, jobID, sourceURL string, attempt int) error
}

// TranslationHandlerOptions groups dependencies for TranslationHandler.
type TranslationHandlerOptions struct {
	Executor JobExecutor         // Required
	Lease    core.ExecutionLease // Required
	LeaseTTL time.Duration       // Optional: defaults to one minute
	Logger   *slog.Logger        // Optional
}

// TranslationHandler executes translate_video tasks under the per-job execution lease.
type TranslationHandler struct {
	executor JobExecutor
	lease    core.ExecutionLease
	ttl      time.Duration
	logger   *slog.Logger
}

// NewTranslationHandler constructs a TranslationHandler.
func NewTranslationHandler(opts TranslationHandlerOptions) (*TranslationHandler, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Lease == nil {
		return nil, errors.New("execution lease is required")
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TranslationHandler{
		executor: opts.Executor,
		lease:    opts.Lease,
		ttl:      ttl,
		logger:   logger.With("component", "translation_handler"),
	}, nil
}

// LeaseToken identifies one attempt of one worker.
func LeaseToken(workerID string, attempt int) string {
	return workerID + ":" + strconv.Itoa(attempt)
}

// SourceURL returns the source URL carried by a translate_video task.
func SourceURL(task *model.Task) (string, error) {
	var payload model.TranslateVideoPayload
	if err := decodePayload(task.Payload, &payload); err != nil {
		return "", err
	}
	if payload.SourceURL == "" {
		return "", errors.New("payload has no source url")
	}
	return payload.SourceURL, nil
}

// Handle runs task on behalf of workerID.
//
// It returns an error wrapping core.ErrLeaseHeld when another worker is executing the same job,
// and one wrapping core.ErrLeaseLost when the lease was lost mid-run. Any other error is the
// attempt's failure.
func (h *TranslationHandler) Handle(ctx context.Context, workerID string, task *model.Task) error {
	source, err := SourceURL(task)
	if err != nil {
		return &StageError{Stage: StageSetup, Err: err}
	}

	token := LeaseToken(workerID, task.Attempt())
	if err := h.lease.Acquire(ctx, task.ID, token, h.ttl); err != nil {
		return fmt.Errorf("acquire execution lease %s: %w", task.ID, err)
	}
	logger := h.logger.With("job_id", task.ID, "attempt", task.Attempt(), "worker_id", workerID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.keepLease(runCtx, cancel, task.ID, token, logger)
	}()

	runErr := h.executor.Run(runCtx, task.ID, source, task.Attempt())

	cancel(nil)
	<-done
	if err := h.lease.Release(context.WithoutCancel(ctx), task.ID, token); err != nil {
		logger.WarnContext(ctx, "release execution lease", "error", err)
	}

	if errors.Is(context.Cause(runCtx), core.ErrLeaseLost) && runErr != nil {
		return fmt.Errorf("%w: %w", core.ErrLeaseLost, runErr)
	}
	return runErr
}

// keepLease extends the lease every third of its TTL and cancels the run when it is lost.
func (h *TranslationHandler) keepLease(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	jobID, token string,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(domaintask.HeartbeatInterval(h.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.lease.Extend(ctx, jobID, token, h.ttl)
			switch {
			case err == nil:
			case errors.Is(err, core.ErrLeaseLost):
				logger.ErrorContext(ctx, "execution lease lost; cancelling attempt")
				cancel(core.ErrLeaseLost)
				return
			case ctx.Err() != nil:
				return
			default:
				logger.WarnContext(ctx, "extend execution lease", "error", err)
			}
		}
	}
}
