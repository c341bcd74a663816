package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API and event stream gateway.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the pipeline worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the task reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains pipeline worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines. Each one runs a whole pipeline at a time.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// TaskLease is the duration a reserved task stays owned before it can be requeued.
	TaskLease time.Duration `env:"WORKER_TASK_LEASE" envDefault:"2m"`

	// ExecutionLease is the TTL of the per-job execution lock held in Redis.
	ExecutionLease time.Duration `env:"WORKER_EXECUTION_LEASE" envDefault:"1m"`

	// PollInterval is the fallback wait between reservation attempts when no notification arrives.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// MaxAttempts is the total number of attempts a task gets before it is failed permanently.
	MaxAttempts int `env:"WORKER_MAX_ATTEMPTS" envDefault:"3"`

	// RetryBaseDelay is the first backoff delay. Each further retry doubles it.
	RetryBaseDelay time.Duration `env:"WORKER_RETRY_BASE_DELAY" envDefault:"2s"`

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration `env:"WORKER_RETRY_MAX_DELAY" envDefault:"5m"`

	// LeaseBusyDelay is how long a task is deferred when another worker holds its execution lease.
	LeaseBusyDelay time.Duration `env:"WORKER_LEASE_BUSY_DELAY" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.TaskLease < 10*time.Second {
		w.TaskLease = 10 * time.Second
	}
	if w.ExecutionLease < 5*time.Second {
		w.ExecutionLease = 5 * time.Second
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
	if w.RetryBaseDelay <= 0 {
		w.RetryBaseDelay = 2 * time.Second
	}
	if w.RetryMaxDelay < w.RetryBaseDelay {
		w.RetryMaxDelay = w.RetryBaseDelay
	}
	if w.LeaseBusyDelay <= 0 {
		w.LeaseBusyDelay = 30 * time.Second
	}
}

// ReaperConfig contains task reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending tasks before they are marked as failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"6h"`

	// CompletedMaxAge is the maximum age for completed tasks before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed tasks before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// CleanWorkDirs removes per-job working directories once their task has completed.
	CleanWorkDirs bool `env:"REAPER_CLEAN_WORK_DIRS" envDefault:"true"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
