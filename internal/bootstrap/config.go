// Package bootstrap wires configuration, connections and services into a running process.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// InitLogger initializes the structured logger at level (debug, info, warn, error).
// Unknown levels log at info.
func InitLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig checks that at least one service is enabled and that the enabled
// services have what they need.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	if services[config.ServiceModeWorker] {
		if err := validateWorkerConfig(&cfg.Pipeline); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}
	if services[config.ServiceModeHTTP] && cfg.HTTP.Addr == "" {
		return errors.New("http: HTTP_ADDR is required")
	}
	return nil
}

func validateWorkerConfig(p *config.PipelineConfig) error {
	switch p.LipSync.Strategy {
	case pipeline.LipSyncSadTalker:
		if p.LipSync.SadTalkerRepo == "" {
			return errors.New("SADTALKER_REPO is required for the sadtalker strategy")
		}
	case pipeline.LipSyncWav2Lip:
		if !p.LipSync.UseSyncAPI() && (p.LipSync.Wav2LipRepo == "" || p.LipSync.Wav2LipCheckpoint == "") {
			return errors.New("WAV2LIP_REPO and WAV2LIP_CKPT (or SYNC_API_KEY) are required for the wav2lip strategy")
		}
		if p.LipSync.UseSyncAPI() && p.PublicBaseURL == "" {
			return errors.New("PUBLIC_BASE_URL is required when wav2lip uses the sync api")
		}
	case pipeline.LipSyncNone:
	}
	return nil
}

// GetEnabledServices returns the names of the enabled services, sorted.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		// validation reports the error
		return []string{}
	}

	names := make([]string, 0, len(services))
	for svc := range services {
		names = append(names, string(svc))
	}
	sort.Strings(names)
	return names
}
