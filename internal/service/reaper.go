package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	obserrors "github.com/target/dubbing-api/internal/observability/errors"
	"github.com/target/dubbing-api/internal/observability/metrics"
	"github.com/target/dubbing-api/internal/observability/statsd"
)

// StalePendingError is the job error recorded for tasks no worker picked up in time.
const StalePendingError = "job expired before a worker picked it up"

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo     core.ReaperRepository // Required: reaper repository
	Config   config.ReaperConfig   // Required: reaper configuration
	Store    core.StateStore       // Optional: marks reaped pending jobs FAILED
	WorkRoot string                // Optional: root of per-job work directories to clean
	Logger   *slog.Logger          // Optional: structured logger
	Metrics  statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService keeps the task queue and the work tree bounded.
//
// Each pass:
// - fails pending tasks older than PendingMaxAge and marks their jobs FAILED,
// - deletes completed and failed tasks past retention, in batches,
// - removes the work directories of the deleted tasks.
type ReaperService struct {
	repo     core.ReaperRepository
	store    core.StateStore
	config   config.ReaperConfig
	workRoot string
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"pending_max_age", opts.Config.PendingMaxAge,
		"completed_max_age", opts.Config.CompletedMaxAge,
		"failed_max_age", opts.Config.FailedMaxAge,
	)

	return &ReaperService{
		repo:     opts.Repo,
		store:    opts.Store,
		config:   opts.Config,
		workRoot: opts.WorkRoot,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run performs a cleanup after a short jitter and then every interval until ctx is cancelled.
// Returns nil on graceful shutdown (context.Canceled).
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// waitWithJitter sleeps a random delay of up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	operation string
	label     string
	fn        cleanupFunc
}

type cleanupResult struct {
	operation string
	count     int64
	err       error
}

// RunOnce performs a single cleanup pass. Step errors are joined; a pass interrupted only by
// cancellation returns context.Canceled.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	steps := []cleanupStep{
		{operation: "fail_pending", label: "fail stale pending tasks", fn: s.failStalePendingTasks},
		{operation: "delete_completed", label: "delete old completed tasks", fn: s.deleteOldTasks(model.TaskStatusCompleted, s.config.CompletedMaxAge)},
		{operation: "delete_failed", label: "delete old failed tasks", fn: s.deleteOldTasks(model.TaskStatusFailed, s.config.FailedMaxAge)},
	}

	var (
		errs        []error
		allCanceled = true
		results     = make([]cleanupResult, 0, len(steps))
	)
	for _, step := range steps {
		count, err := step.fn(ctx)
		results = append(results, cleanupResult{operation: step.operation, count: count, err: suppressContextCancellation(err)})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allCanceled = allCanceled && isContextCancellation(err)
		}
	}

	s.emitCleanupMetrics(results, time.Since(start))

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if allCanceled {
		return context.Canceled
	}
	return fmt.Errorf("cleanup failed: %w", joined)
}

// failStalePendingTasks fails stale pending tasks batch by batch and marks their jobs FAILED.
func (s *ReaperService) failStalePendingTasks(ctx context.Context) (int64, error) {
	var total int64
	for {
		ids, err := s.repo.FailStalePendingTasks(ctx, s.config.PendingMaxAge, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}
		total += int64(len(ids))
		for _, id := range ids {
			s.markJobExpired(ctx, id)
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.InfoContext(ctx, "failed stale pending tasks", "count", total, "max_age", s.config.PendingMaxAge)
	}
	return total, nil
}

func (s *ReaperService) markJobExpired(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	msg := StalePendingError
	if err := s.store.SetStatus(ctx, id, model.StatusUpdate{
		Status:   model.JobStatusFailed,
		Progress: intPtr(0),
		Error:    &msg,
	}); err != nil {
		s.logger.WarnContext(ctx, "mark expired job failed", "job_id", id, "error", err)
		return
	}
	if err := s.store.AppendLog(ctx, id, "Error: "+msg); err != nil {
		s.logger.WarnContext(ctx, "append expiry log", "job_id", id, "error", err)
	}
}

// deleteOldTasks deletes tasks in status older than maxAge, batch by batch.
func (s *ReaperService) deleteOldTasks(status model.TaskStatus, maxAge time.Duration) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		var total int64
		for {
			ids, err := s.repo.DeleteOldTasks(ctx, core.DeleteOldTasksParams{
				Status:    status,
				MaxAge:    maxAge,
				BatchSize: s.config.BatchSize,
			})
			if err != nil {
				return total, err
			}
			if len(ids) == 0 {
				break
			}
			total += int64(len(ids))
			s.removeWorkDirs(ctx, ids)
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
		}

		if total > 0 {
			s.logger.InfoContext(ctx, "deleted old tasks", "status", status, "count", total, "max_age", maxAge)
		}
		return total, nil
	}
}

// removeWorkDirs is best-effort; failures are logged.
func (s *ReaperService) removeWorkDirs(ctx context.Context, ids []string) {
	if !s.config.CleanWorkDirs || s.workRoot == "" {
		return
	}
	for _, id := range ids {
		if id == "" || filepath.Base(id) != id {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.workRoot, id)); err != nil {
			s.logger.WarnContext(ctx, "remove work dir", "job_id", id, "error", err)
		}
	}
}

func (s *ReaperService) emitCleanupMetrics(results []cleanupResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		total += r.count
		if firstErr == nil {
			firstErr = r.err
		}
		s.emitCleanupOperationMetric(r.operation, r.count, r.err)
	}

	result := metrics.ResultSuccess
	switch {
	case firstErr != nil:
		result = metrics.ResultError
	case total == 0:
		result = metrics.ResultNoop
	}
	tags := map[string]string{"result": result}
	if class := obserrors.Classify(firstErr); class != "" {
		tags["error_class"] = class
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
	case count == 0:
		result = metrics.ResultNoop
	}
	tags := map[string]string{"operation": operation, "result": result}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reaper.tasks_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
