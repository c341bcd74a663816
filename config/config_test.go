package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/target/dubbing-api/internal/domain/pipeline"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:  "all services with whitespace",
			input: " http , worker,reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:     "duplicates and empty entries",
			input:    "worker,,worker,",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "unknown service",
			input:       "http,scheduler",
			expectError: true,
		},
		{
			name:        "case sensitive",
			input:       "HTTP",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name           string
		services       string
		expectedHTTP   bool
		expectedWorker bool
		expectedReaper bool
	}{
		{name: "http only", services: "http", expectedHTTP: true},
		{name: "worker only", services: "worker", expectedWorker: true},
		{name: "worker and reaper", services: "worker,reaper", expectedWorker: true, expectedReaper: true},
		{name: "all", services: "http,worker,reaper", expectedHTTP: true, expectedWorker: true, expectedReaper: true},
		{name: "invalid config disables everything", services: "invalid-service"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}

			if got := cfg.IsHTTPServerEnabled(); got != tt.expectedHTTP {
				t.Errorf("IsHTTPServerEnabled(): expected %v, got %v", tt.expectedHTTP, got)
			}
			if got := cfg.IsWorkerEnabled(); got != tt.expectedWorker {
				t.Errorf("IsWorkerEnabled(): expected %v, got %v", tt.expectedWorker, got)
			}
			if got := cfg.IsReaperEnabled(); got != tt.expectedReaper {
				t.Errorf("IsReaperEnabled(): expected %v, got %v", tt.expectedReaper, got)
			}
		})
	}
}

func TestValidServiceModes(t *testing.T) {
	expected := []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
	if modes := ValidServiceModes(); !reflect.DeepEqual(modes, expected) {
		t.Errorf("expected %v, got %v", expected, modes)
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "http,worker,reaper" {
		t.Errorf("unexpected default services %q", cfg.Services)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("unexpected default log level %q", cfg.LogLevel)
	}
	if cfg.Pipeline.LipSync.Strategy != pipeline.LipSyncNone {
		t.Errorf("expected lip-sync strategy none, got %q", cfg.Pipeline.LipSync.Strategy)
	}
	if cfg.Pipeline.TTS.Provider != pipeline.TTSKindGTTS {
		t.Errorf("expected gtts provider, got %q", cfg.Pipeline.TTS.Provider)
	}
	if cfg.Pipeline.TTS.MaxChars != 250 {
		t.Errorf("expected 250 tts chars, got %d", cfg.Pipeline.TTS.MaxChars)
	}
	if cfg.Pipeline.Transcribe.Language != "ko" || cfg.Pipeline.Transcribe.Task != "translate" {
		t.Errorf("unexpected transcribe defaults %+v", cfg.Pipeline.Transcribe)
	}
	if cfg.Pipeline.ResultsBaseURL != "/results" {
		t.Errorf("unexpected results base url %q", cfg.Pipeline.ResultsBaseURL)
	}
	if cfg.Pipeline.Translator.Enabled() {
		t.Error("translator should be disabled without a url")
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Redis.ReplayBufferSize != 256 {
		t.Errorf("expected replay buffer 256, got %d", cfg.Redis.ReplayBufferSize)
	}
	if !reflect.DeepEqual(cfg.HTTP.CORSOrigins, []string{"http://localhost:3000"}) {
		t.Errorf("unexpected cors origins %v", cfg.HTTP.CORSOrigins)
	}
}

func TestAppConfig_ParsePipelineEnv(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/dubbing/")
	t.Setenv("RESULTS_BASE_URL", "https://cdn.example.com/results/")
	t.Setenv("LIPSYNC_STRATEGY", "Wav2Lip")
	t.Setenv("SYNC_API_KEY", "sk-test")
	t.Setenv("TTS_PROVIDER", "elevenlabs")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("LOG_LEVEL", " DEBUG ")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Pipeline.DataDir != "/var/lib/dubbing" {
		t.Errorf("unexpected data dir %q", cfg.Pipeline.DataDir)
	}
	if cfg.Pipeline.WorkDir() != "/var/lib/dubbing/work" || cfg.Pipeline.ResultsDir() != "/var/lib/dubbing/results" {
		t.Errorf("unexpected derived dirs %q %q", cfg.Pipeline.WorkDir(), cfg.Pipeline.ResultsDir())
	}
	if cfg.Pipeline.ResultsBaseURL != "https://cdn.example.com/results" {
		t.Errorf("unexpected results base url %q", cfg.Pipeline.ResultsBaseURL)
	}
	if cfg.Pipeline.LipSync.Strategy != pipeline.LipSyncWav2Lip || !cfg.Pipeline.LipSync.UseSyncAPI() {
		t.Errorf("expected wav2lip via sync api, got %+v", cfg.Pipeline.LipSync)
	}
	if cfg.Pipeline.TTS.Provider != pipeline.TTSKindElevenLabs {
		t.Errorf("expected elevenlabs, got %q", cfg.Pipeline.TTS.Provider)
	}
	if !reflect.DeepEqual(cfg.HTTP.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("unexpected cors origins %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestTTSConfig_Sanitize(t *testing.T) {
	cfg := TTSConfig{Provider: pipeline.TTSKindElevenLabs, MaxChars: 5}
	cfg.Sanitize()
	if cfg.Provider != pipeline.TTSKindGTTS {
		t.Errorf("elevenlabs without key should fall back to gtts, got %q", cfg.Provider)
	}
	if cfg.MaxChars != pipeline.DefaultTTSMaxChars {
		t.Errorf("expected default max chars, got %d", cfg.MaxChars)
	}

	cfg = TTSConfig{Provider: "espeak"}
	cfg.Sanitize()
	if cfg.Provider != pipeline.TTSKindGTTS {
		t.Errorf("unknown provider should fall back to gtts, got %q", cfg.Provider)
	}
}

func TestLipSyncConfig_Sanitize(t *testing.T) {
	cfg := LipSyncConfig{Strategy: "musetalk", SadTalkerSize: 300}
	cfg.Sanitize()
	if cfg.Strategy != pipeline.LipSyncNone {
		t.Errorf("unknown strategy should fall back to none, got %q", cfg.Strategy)
	}
	if cfg.SadTalkerSize != 256 {
		t.Errorf("expected sadtalker size 256, got %d", cfg.SadTalkerSize)
	}
	if cfg.Timeout != 20*time.Minute {
		t.Errorf("expected default timeout, got %v", cfg.Timeout)
	}
}

func TestWorkerConfig_Sanitize(t *testing.T) {
	cfg := WorkerConfig{RetryBaseDelay: 10 * time.Second, RetryMaxDelay: time.Second}
	cfg.Sanitize()

	if cfg.Concurrency != 1 || cfg.MaxAttempts != 1 {
		t.Errorf("expected minimum concurrency and attempts, got %+v", cfg)
	}
	if cfg.TaskLease != 10*time.Second || cfg.ExecutionLease != 5*time.Second {
		t.Errorf("expected lease floors, got %v %v", cfg.TaskLease, cfg.ExecutionLease)
	}
	if cfg.RetryMaxDelay != cfg.RetryBaseDelay {
		t.Errorf("max delay should be raised to base delay, got %v", cfg.RetryMaxDelay)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{BatchSize: 50000}
	cfg.Sanitize()

	if cfg.Interval != time.Minute || cfg.PendingMaxAge != 5*time.Minute {
		t.Errorf("expected interval floors, got %+v", cfg)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("expected batch size cap, got %d", cfg.BatchSize)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: " ",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: " ",
		},
	}

	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit < 0 {
		t.Fatalf("expected retry limit to be clamped to >= 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.Slack.Username != "dubbing" {
		t.Fatalf("expected slack username default, got %q", cfg.Slack.Username)
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled without a routing key")
	}
	if cfg.PagerDuty.Source != "dubbing-api" || cfg.PagerDuty.Component != "pipeline" {
		t.Fatalf("expected pagerduty defaults, got %q %q", cfg.PagerDuty.Source, cfg.PagerDuty.Component)
	}

	// Disabled top-level should disable child sinks.
	cfg = ObservabilityNotificationsConfig{
		Enabled: false,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/test",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "abc",
		},
	}
	cfg.Sanitize()

	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled when top-level notifications disabled")
	}
}
