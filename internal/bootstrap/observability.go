package bootstrap

import (
	"log/slog"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/observability/notify/pagerduty"
	"github.com/target/dubbing-api/internal/observability/notify/slack"
	"github.com/target/dubbing-api/internal/observability/statsd"
	"github.com/target/dubbing-api/internal/service/failurenotifier"
)

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// Metrics is nil when metrics are disabled.
	Metrics         statsd.Sink
	statsdClient    *statsd.Client
	FailureNotifier *failurenotifier.Service
}

// Close flushes and closes the metrics client.
func (o ObservabilityContainer) Close() error {
	if o.statsdClient == nil {
		return nil
	}
	return o.statsdClient.Close()
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	if logger == nil {
		logger = slog.Default()
	}

	var out ObservabilityContainer
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  logger,
		})
		if err != nil {
			logger.Error("failed to initialise statsd client", "error", err)
		} else {
			out.statsdClient = client
			out.Metrics = client
		}
	}
	out.FailureNotifier = buildFailureNotifier(logger, cfg.Notifications)
	return out
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	notifierLogger := logger.With("component", "failure_notifier")
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: notifierLogger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)
	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
			Endpoint:   cfg.PagerDuty.Endpoint,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:  notifierLogger,
		Sinks:   sinks,
		Timeout: cfg.Timeout,
	})
}
