// Package taskrunner runs the worker pool that reserves translate_video tasks and executes them.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	domaintask "github.com/target/dubbing-api/internal/domain/task"
	"github.com/target/dubbing-api/internal/observability/metrics"
	"github.com/target/dubbing-api/internal/observability/statsd"
	"github.com/target/dubbing-api/internal/service"
)

// Handler executes one reserved task on behalf of a worker.
type Handler interface {
	Handle(ctx context.Context, workerID string, task *model.Task) error
}

// Transition labels emitted with task lifecycle metrics.
const (
	TransitionStarted     = "started"
	TransitionCompleted   = "completed"
	TransitionFailed      = "failed"
	TransitionRescheduled = "rescheduled"
	TransitionLeaseLost   = "lease_lost"
	TransitionInterrupted = "interrupted"
)

// RunnerOptions configures the task runner adapter.
type RunnerOptions struct {
	Tasks   *service.TaskService // Required
	Handler Handler              // Required
	Logger  *slog.Logger

	TaskType    model.TaskType // defaults to translate_video
	Concurrency int            // worker goroutines; defaults to 1
	// Lease is the task lease requested on reservation and renewed while the handler runs.
	Lease time.Duration
	// PollInterval bounds how long an idle worker waits for a notification before polling again.
	PollInterval time.Duration
	// LeaseBusyDelay defers a task whose execution lease is held by another worker.
	LeaseBusyDelay time.Duration
	// QueueDepthInterval is how often queue depth gauges are reported. Zero disables them.
	QueueDepthInterval time.Duration
	// WorkerID prefixes the ids of this process's workers; defaults to a random id.
	WorkerID string

	Metrics statsd.Sink
}

// Runner pulls tasks and executes them with a fixed-size worker pool.
type Runner struct {
	tasks      *service.TaskService
	handler    Handler
	logger     *slog.Logger
	taskType   model.TaskType
	workers    int
	lease      time.Duration
	poll       time.Duration
	busyDelay  time.Duration
	depthEvery time.Duration
	workerID   string
	metrics    statsd.Sink
}

// NewRunner validates options and constructs a runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Tasks == nil {
		return nil, errors.New("task service is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("task handler is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	taskType := opts.TaskType
	if taskType == "" {
		taskType = model.TaskTypeTranslateVideo
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = opts.Tasks.DefaultLease()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	busy := opts.LeaseBusyDelay
	if busy <= 0 {
		busy = 30 * time.Second
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	return &Runner{
		tasks:      opts.Tasks,
		handler:    opts.Handler,
		logger:     logger.With("component", "task_runner", "task_type", taskType),
		taskType:   taskType,
		workers:    workers,
		lease:      lease,
		poll:       poll,
		busyDelay:  busy,
		depthEvery: opts.QueueDepthInterval,
		workerID:   workerID,
		metrics:    opts.Metrics,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled or a worker hits a fatal error.
// Cancellation returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting task runner", "workers", r.workers, "lease", r.lease, "worker_id", r.workerID)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		id := r.workerID + "-" + strconv.Itoa(i+1)
		g.Go(func() error { return r.workerLoop(gctx, id) })
	}
	if r.metrics != nil && r.depthEvery > 0 {
		g.Go(func() error {
			r.reportQueueDepth(gctx)
			return nil
		})
	}

	err := g.Wait()
	r.tasks.StopAllListeners()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.logger.InfoContext(ctx, "task runner stopped")
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) error {
	unsub, notify := r.tasks.Subscribe(r.taskType)
	defer unsub()

	for ctx.Err() == nil {
		task, err := r.tasks.ReserveNext(ctx, r.taskType, r.lease)
		switch {
		case err == nil && task != nil:
			r.processTask(ctx, workerID, task)
			continue
		case err == nil, errors.Is(err, model.ErrNoTasksAvailable):
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("worker %s: %w", workerID, err)
		}
		if !r.waitForWork(ctx, &notify) {
			return nil
		}
	}
	return nil
}

// waitForWork blocks until a notification, the poll interval, or cancellation.
// A closed notification channel is dropped and the worker falls back to polling.
func (r *Runner) waitForWork(ctx context.Context, notify *<-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-*notify:
		if !ok {
			*notify = nil
		}
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runner) processTask(ctx context.Context, workerID string, task *model.Task) {
	start := time.Now()
	logger := r.logger.With("job_id", task.ID, "attempt", task.Attempt(), "worker_id", workerID)
	emit := func(transition, result string, err error) {
		metrics.EmitTaskLifecycle(r.metrics, metrics.TaskMetric{
			TaskType:   string(task.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}
	emit(TransitionStarted, metrics.ResultSuccess, nil)
	logger.InfoContext(ctx, "task started")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hbCtx, task.ID, logger)
	}()

	err := r.handler.Handle(ctx, workerID, task)
	stopHeartbeat()
	<-hbDone

	// terminal transitions must land even when shutdown cancelled ctx
	writeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		completed, cErr := r.tasks.Complete(writeCtx, task.ID)
		switch {
		case cErr != nil:
			logger.ErrorContext(ctx, "complete task", "error", cErr)
			emit(TransitionCompleted, metrics.ResultError, cErr)
		case !completed:
			logger.WarnContext(ctx, "task finished after losing its lease")
			emit(TransitionCompleted, metrics.ResultNoop, nil)
		default:
			logger.InfoContext(ctx, "task completed", "duration", time.Since(start))
			emit(TransitionCompleted, metrics.ResultSuccess, nil)
		}

	case errors.Is(err, core.ErrLeaseHeld):
		logger.InfoContext(ctx, "job is executing elsewhere; deferring task", "delay", r.busyDelay)
		r.reschedule(writeCtx, task.ID, r.busyDelay, logger)
		emit(TransitionRescheduled, metrics.ResultNoop, nil)

	case errors.Is(err, core.ErrLeaseLost):
		// the task row may already belong to the new holder
		logger.WarnContext(ctx, "execution lease lost; leaving task to its new owner", "error", err)
		emit(TransitionLeaseLost, metrics.ResultError, err)

	case ctx.Err() != nil:
		logger.InfoContext(ctx, "task interrupted by shutdown; returning it to the queue", "error", err)
		r.reschedule(writeCtx, task.ID, 0, logger)
		emit(TransitionInterrupted, metrics.ResultNoop, nil)

	default:
		source, _ := service.SourceURL(task)
		failure, fErr := r.tasks.Fail(writeCtx, task, err, service.TaskFailureDetails{
			SourceURL: source,
			Stage:     service.StageOf(err),
			Metadata:  map[string]string{"worker_id": workerID},
		})
		if fErr != nil {
			logger.ErrorContext(ctx, "fail task", "error", fErr, "original_error", err)
		} else if failure != nil {
			logger.WarnContext(ctx, "task attempt failed",
				"stage", service.StageOf(err),
				"final", failure.Final(),
				"error", err,
			)
		}
		emit(TransitionFailed, metrics.ResultError, err)
	}
}

func (r *Runner) reschedule(ctx context.Context, id string, delay time.Duration, logger *slog.Logger) {
	if _, err := r.tasks.Reschedule(ctx, id, delay); err != nil {
		logger.ErrorContext(ctx, "reschedule task", "error", err)
	}
}

// heartbeat renews the task lease until ctx ends or the task stops running.
func (r *Runner) heartbeat(ctx context.Context, id string, logger *slog.Logger) {
	ticker := time.NewTicker(domaintask.HeartbeatInterval(r.lease))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.tasks.Heartbeat(ctx, id, r.lease)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.WarnContext(ctx, "task heartbeat", "error", err)
			case !ok:
				logger.WarnContext(ctx, "task no longer running; stopping heartbeat")
				return
			}
		}
	}
}

func (r *Runner) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(r.depthEvery)
	defer ticker.Stop()
	for {
		stats, err := r.tasks.Stats(ctx, r.taskType)
		if err == nil {
			metrics.EmitQueueDepth(r.metrics, string(r.taskType), map[string]int{
				string(model.TaskStatusPending):   stats.Pending,
				string(model.TaskStatusRunning):   stats.Running,
				string(model.TaskStatusCompleted): stats.Completed,
				string(model.TaskStatusFailed):    stats.Failed,
			})
		} else if ctx.Err() == nil {
			r.logger.WarnContext(ctx, "queue depth", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
