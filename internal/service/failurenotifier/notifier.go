// Package failurenotifier fans terminal job failures out to the configured alert sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/dubbing-api/internal/observability/notify"
)

// SinkRegistration pairs a sink with the name used in logs.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Timeout bounds each sink delivery. Zero leaves the caller's context as is.
	Timeout time.Duration
	Now     func() time.Time
}

// Service delivers one payload to every registered sink concurrently.
type Service struct {
	logger  *slog.Logger
	sinks   []SinkRegistration
	timeout time.Duration
	now     func() time.Time
}

// NewService builds a notifier. Nil sinks are dropped.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger:  logger.With("component", "failure_notifier"),
		sinks:   sinks,
		timeout: opts.Timeout,
		now:     now,
	}
}

// NotifyJobFailure blocks until every sink has answered or timed out.
// Delivery errors are logged, never returned.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = s.now().UTC()
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliver(ctx, entry, payload)
		}()
	}
	wg.Wait()
}

func (s *Service) deliver(ctx context.Context, entry SinkRegistration, payload notify.JobFailurePayload) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
		s.logger.ErrorContext(ctx, "failure notification not delivered",
			"sink", entry.Name,
			"job_id", payload.JobID,
			"stage", payload.Stage,
			"error", err,
		)
		return
	}
	s.logger.DebugContext(ctx, "failure notification delivered", "sink", entry.Name, "job_id", payload.JobID)
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
