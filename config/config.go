package config

import "strings"

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode, worker and reaper configuration
//   - pipeline.go: Media pipeline, providers and lip-sync strategy
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,worker,reaper"`

	// Worker configuration
	Worker WorkerConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Pipeline configuration
	Pipeline PipelineConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.HTTP.Sanitize()
	c.Redis.Sanitize()
	c.Worker.Sanitize()
	c.Reaper.Sanitize()
	c.Pipeline.Sanitize()
	c.Observability.Sanitize()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the pipeline worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
