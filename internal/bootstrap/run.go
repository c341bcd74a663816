package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/reaper"
	"github.com/target/dubbing-api/internal/adapters/taskrunner"
	"github.com/target/dubbing-api/internal/service"
)

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second

	// queueDepthInterval is how often the worker reports queue gauges when metrics are on.
	queueDepthInterval = 30 * time.Second
)

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// WorkerRunConfig holds what the pipeline worker pool needs.
type WorkerRunConfig struct {
	Worker   config.WorkerConfig
	Pipeline config.PipelineConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunWorker executes translate_video tasks until ctx is canceled.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := cfg.Services

	executor, err := newPipelineExecutor(cfg.Pipeline, svc.Store, svc.Observability.Metrics, logger)
	if err != nil {
		return fmt.Errorf("create pipeline executor: %w", err)
	}
	handler, err := service.NewTranslationHandler(service.TranslationHandlerOptions{
		Executor: executor,
		Lease:    svc.Lease,
		LeaseTTL: cfg.Worker.ExecutionLease,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create translation handler: %w", err)
	}

	var depth time.Duration
	if svc.Observability.Metrics != nil {
		depth = queueDepthInterval
	}
	runner, err := taskrunner.NewRunner(taskrunner.RunnerOptions{
		Tasks:              svc.Tasks,
		Handler:            handler,
		Logger:             logger,
		Concurrency:        cfg.Worker.Concurrency,
		Lease:              cfg.Worker.TaskLease,
		PollInterval:       cfg.Worker.PollInterval,
		LeaseBusyDelay:     cfg.Worker.LeaseBusyDelay,
		QueueDepthInterval: depth,
		Metrics:            svc.Observability.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create task runner: %w", err)
	}
	return runner.Run(ctx)
}

// ReaperRunConfig holds what the reaper needs.
type ReaperRunConfig struct {
	Reaper   config.ReaperConfig
	WorkRoot string
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunReaper runs the queue reaper until ctx is canceled.
func RunReaper(ctx context.Context, cfg ReaperRunConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Config:   cfg.Reaper,
		Logger:   cfg.Logger,
		Store:    cfg.Services.Store,
		WorkRoot: cfg.WorkRoot,
		Repo:     cfg.Services.Repo,
		Metrics:  cfg.Services.Observability.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:      deps.cfg.Config,
		Services:    deps.cfg.Services,
		DB:          deps.cfg.DB,
		RedisClient: deps.cfg.RedisClient,
		Logger:      deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "pipeline worker",
		start: func(ctx context.Context) error {
			return RunWorker(ctx, WorkerRunConfig{
				Worker:   deps.cfg.Config.Worker,
				Pipeline: deps.cfg.Config.Pipeline,
				Services: deps.cfg.Services,
				Logger:   deps.logger.With("component", "worker"),
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperRunConfig{
				Reaper:   deps.cfg.Config.Reaper,
				WorkRoot: deps.cfg.Config.Pipeline.WorkDir(),
				Services: deps.cfg.Services,
				Logger:   deps.logger.With("component", "reaper"),
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		tasks:       cfg.Services.Tasks,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	tasks       *service.TaskService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops the HTTP server and waits for background services to drain.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		// cfg.ctx is already canceled here.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cfg.ctx), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context:     shutdownCtx,
			Server:      cfg.httpServer,
			TaskService: cfg.tasks,
			Logger:      cfg.logger,
		}); err != nil {
			return err
		}
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
