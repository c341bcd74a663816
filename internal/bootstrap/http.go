package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/dubbing-api/config"
	httpx "github.com/target/dubbing-api/internal/http"
	"github.com/target/dubbing-api/internal/service"
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	handler := httpx.NewRouter(httpx.RouterServices{
		Jobs:         cfg.Services.Jobs,
		Stream:       cfg.Services.Stream,
		ResultsDir:   appCfg.Pipeline.ResultsDir(),
		HealthChecks: buildHealthChecks(cfg),
		CORSOrigins:  appCfg.HTTP.CORSOrigins,
		Logger:       logger,
	})

	return startServer(logger, handler, appCfg.HTTP.Addr)
}

func buildHealthChecks(cfg *HTTPServerConfig) map[string]httpx.HealthCheck {
	checks := make(map[string]httpx.HealthCheck, 2)
	if cfg.RedisClient != nil {
		client := cfg.RedisClient
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	if cfg.DB != nil {
		checks["db"] = cfg.DB.PingContext
	}
	return checks
}

func startServer(logger *slog.Logger, handler http.Handler, addr string) *http.Server {
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	// The event stream clears its own write deadline.
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context     context.Context
	Server      *http.Server
	TaskService *service.TaskService
	Logger      *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down HTTP server")
	}

	if cfg.TaskService != nil {
		cfg.TaskService.StopAllListeners()
	}

	shutdownCtx, cancel := context.WithTimeout(cfg.Context, 10*time.Second)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("HTTP server stopped")
	}

	return nil
}
