package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/dubbing-api/config"
	redisstore "github.com/target/dubbing-api/internal/adapters/redis"
	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/data"
	domaintask "github.com/target/dubbing-api/internal/domain/task"
	"github.com/target/dubbing-api/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Tasks         *service.TaskService
	Jobs          *service.JobService
	Stream        *service.StreamService
	Store         core.StateStore
	Lease         core.ExecutionLease
	Repo          *data.TaskRepo
	Observability ObservabilityContainer
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// notifierWaitWindow bounds one LISTEN call before idle workers are woken to poll.
const notifierWaitWindow = 30 * time.Second

// NewServices builds the repositories and services shared by every process mode.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.DB == nil {
		return ServiceContainer{}, errors.New("database connection is required")
	}
	if deps.RedisClient == nil {
		return ServiceContainer{}, errors.New("redis client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	obs := buildObservability(logger, cfg.Observability)

	repo := data.NewTaskRepo(deps.DB, data.RepoConfig{
		Retry: domaintask.RetryPolicy{
			MaxAttempts: cfg.Worker.MaxAttempts,
			BaseDelay:   cfg.Worker.RetryBaseDelay,
			MaxDelay:    cfg.Worker.RetryMaxDelay,
		},
		Logger: logger.With("component", "task_repo"),
	})

	store := redisstore.NewStateStore(deps.RedisClient, redisstore.StateStoreOptions{
		TTL:        cfg.Redis.JobTTL,
		ReplaySize: cfg.Redis.ReplayBufferSize,
		Logger:     logger.With("component", "state_store"),
	})

	tasks, err := service.NewTaskService(service.TaskServiceOptions{
		Repo:            repo,
		DefaultLease:    cfg.Worker.TaskLease,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		Logger:          logger,
		FailureNotifier: obs.FailureNotifier,
		NotifierOptions: domaintask.NotifierOptions{
			Waiter:     repo,
			WaitWindow: notifierWaitWindow,
			Backoff:    time.Second,
		},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create task service: %w", err)
	}

	policy, err := service.NewSourcePolicy(cfg.HTTP.SourceDomains)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create source policy: %w", err)
	}
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Store:  store,
		Tasks:  tasks,
		Policy: policy,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}

	stream, err := service.NewStreamService(service.StreamServiceOptions{
		Store:        store,
		PollInterval: cfg.HTTP.StreamPollInterval,
		KeepAlive:    cfg.HTTP.StreamKeepAlive,
		Logger:       logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create stream service: %w", err)
	}

	return ServiceContainer{
		Tasks:         tasks,
		Jobs:          jobs,
		Stream:        stream,
		Store:         store,
		Lease:         redisstore.NewExecutionLease(deps.RedisClient),
		Repo:          repo,
		Observability: obs,
	}, nil
}
