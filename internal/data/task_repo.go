package data

import (
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	domaintask "github.com/target/dubbing-api/internal/domain/task"
)

// ErrTaskReserved is returned when attempting to delete a task that has an active lease.
var ErrTaskReserved = errors.New("task is reserved and cannot be deleted")

// RepoConfig holds configuration options for the task repository.
type RepoConfig struct {
	Retry        domaintask.RetryPolicy
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// TaskRepo provides database operations for the scheduler queue.
type TaskRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewTaskRepo creates a new TaskRepo instance with the given database connection and configuration.
func NewTaskRepo(db *sql.DB, cfg RepoConfig) *TaskRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "task_repo"),
	}
}

var taskColumnNames = []string{
	"id",
	"type",
	"status",
	"priority",
	"payload",
	"scheduled_at",
	"started_at",
	"completed_at",
	"retry_count",
	"max_retries",
	"last_error",
	"lease_expires_at",
	"created_at",
	"updated_at",
}

var taskColumns = " " + strings.Join(taskColumnNames, ", ") + " "
