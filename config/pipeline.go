package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// PipelineConfig contains the media pipeline, provider and lip-sync strategy configuration.
type PipelineConfig struct {
	// DataDir holds per-job work directories and the results tree served under ResultsBaseURL.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// ResultsBaseURL prefixes result URLs handed back to callers.
	ResultsBaseURL string `env:"RESULTS_BASE_URL" envDefault:"/results"`

	// PublicBaseURL is the externally reachable origin of this service (used when a vendor must fetch our files).
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:""`

	// KeepWorkDir leaves a job's intermediate files on disk after it succeeds.
	KeepWorkDir bool `env:"KEEP_WORK_DIR" envDefault:"false"`

	Tools      ToolsConfig
	Transcribe TranscribeConfig
	Translator TranslatorConfig
	TTS        TTSConfig
	LipSync    LipSyncConfig
	VendorHTTP VendorHTTPConfig
}

// Sanitize applies guardrails to pipeline configuration values.
func (p *PipelineConfig) Sanitize() {
	p.DataDir = strings.TrimSpace(p.DataDir)
	if p.DataDir == "" {
		p.DataDir = "./data"
	}
	p.DataDir = filepath.Clean(p.DataDir)
	p.ResultsBaseURL = strings.TrimRight(strings.TrimSpace(p.ResultsBaseURL), "/")
	if p.ResultsBaseURL == "" {
		p.ResultsBaseURL = "/results"
	}
	p.PublicBaseURL = strings.TrimRight(strings.TrimSpace(p.PublicBaseURL), "/")

	p.Tools.Sanitize()
	p.Transcribe.Sanitize()
	p.Translator.Sanitize()
	p.TTS.Sanitize()
	p.LipSync.Sanitize()
	p.VendorHTTP.Sanitize()
}

// WorkDir returns the root of per-job working directories.
func (p *PipelineConfig) WorkDir() string { return filepath.Join(p.DataDir, "work") }

// ResultsDir returns the root of per-job result directories.
func (p *PipelineConfig) ResultsDir() string { return filepath.Join(p.DataDir, "results") }

// ToolsConfig names the external binaries and bounds how long each invocation may run.
type ToolsConfig struct {
	YtDlpBin  string `env:"YTDLP_BIN"  envDefault:"yt-dlp"`
	FFmpegBin string `env:"FFMPEG_BIN" envDefault:"ffmpeg"`
	PythonBin string `env:"PYTHON_BIN" envDefault:"python3"`

	DownloadTimeout  time.Duration `env:"DOWNLOAD_TIMEOUT"  envDefault:"30m"`
	ExtractTimeout   time.Duration `env:"EXTRACT_TIMEOUT"   envDefault:"10m"`
	MuxTimeout       time.Duration `env:"MUX_TIMEOUT"       envDefault:"20m"`
	FrameTimeout     time.Duration `env:"FRAME_TIMEOUT"     envDefault:"1m"`
	ConvertTimeout   time.Duration `env:"CONVERT_TIMEOUT"   envDefault:"5m"`
	SubtitlesTimeout time.Duration `env:"SUBTITLES_TIMEOUT" envDefault:"10m"`
}

// Sanitize fills empty binaries and non-positive timeouts with defaults.
func (t *ToolsConfig) Sanitize() {
	t.YtDlpBin = fallback(t.YtDlpBin, "yt-dlp")
	t.FFmpegBin = fallback(t.FFmpegBin, "ffmpeg")
	t.PythonBin = fallback(t.PythonBin, "python3")
	t.DownloadTimeout = positive(t.DownloadTimeout, 30*time.Minute)
	t.ExtractTimeout = positive(t.ExtractTimeout, 10*time.Minute)
	t.MuxTimeout = positive(t.MuxTimeout, 20*time.Minute)
	t.FrameTimeout = positive(t.FrameTimeout, time.Minute)
	t.ConvertTimeout = positive(t.ConvertTimeout, 5*time.Minute)
	t.SubtitlesTimeout = positive(t.SubtitlesTimeout, 10*time.Minute)
}

// TranscribeConfig controls the speech-to-text stage.
type TranscribeConfig struct {
	WhisperBin  string        `env:"WHISPER_BIN"        envDefault:"whisper"`
	WhisperXBin string        `env:"WHISPERX_BIN"       envDefault:"whisperx"`
	Model       string        `env:"WHISPER_MODEL"      envDefault:"large-v3"`
	UseWhisperX bool          `env:"USE_WHISPERX"       envDefault:"false"`
	Device      string        `env:"WHISPER_DEVICE"     envDefault:""`
	Language    string        `env:"SOURCE_LANGUAGE"    envDefault:"ko"`
	Task        string        `env:"TRANSCRIBE_TASK"    envDefault:"translate"`
	Timeout     time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"60m"`
}

// Sanitize normalises the transcription task and defaults.
func (t *TranscribeConfig) Sanitize() {
	t.WhisperBin = fallback(t.WhisperBin, "whisper")
	t.WhisperXBin = fallback(t.WhisperXBin, "whisperx")
	t.Model = fallback(t.Model, "large-v3")
	t.Language = strings.ToLower(fallback(t.Language, "ko"))
	t.Task = strings.ToLower(strings.TrimSpace(t.Task))
	if t.Task != "transcribe" {
		t.Task = "translate"
	}
	t.Timeout = positive(t.Timeout, 60*time.Minute)
}

// TranslatorConfig controls the optional text translation stage.
// When URL is empty the translator passes text through unchanged.
type TranslatorConfig struct {
	URL            string `env:"TRANSLATOR_URL"             envDefault:""`
	APIKey         string `env:"TRANSLATOR_API_KEY"         envDefault:""`
	SourceLanguage string `env:"TRANSLATOR_SOURCE_LANGUAGE" envDefault:"auto"`
	TargetLanguage string `env:"TARGET_LANGUAGE"            envDefault:"en"`
}

// Sanitize trims the translator settings.
func (t *TranslatorConfig) Sanitize() {
	t.URL = strings.TrimRight(strings.TrimSpace(t.URL), "/")
	t.SourceLanguage = strings.ToLower(fallback(t.SourceLanguage, "auto"))
	t.TargetLanguage = strings.ToLower(fallback(t.TargetLanguage, "en"))
}

// Enabled reports whether a remote translator is configured.
func (t *TranslatorConfig) Enabled() bool { return t.URL != "" }

// TTSConfig selects and configures the speech synthesis provider.
type TTSConfig struct {
	Provider pipeline.TTSKind `env:"TTS_PROVIDER" envDefault:"gtts"`
	Language string           `env:"TTS_LANGUAGE" envDefault:"en"`
	MaxChars int              `env:"TTS_MAX_CHARS" envDefault:"250"`

	GTTSBaseURL string `env:"GTTS_BASE_URL" envDefault:"https://translate.google.com"`

	ElevenLabsAPIKey  string `env:"ELEVENLABS_API_KEY"  envDefault:""`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModel   string `env:"ELEVENLABS_MODEL"    envDefault:"eleven_multilingual_v2"`
	ElevenLabsBaseURL string `env:"ELEVENLABS_BASE_URL" envDefault:"https://api.elevenlabs.io"`
}

// Sanitize resolves the provider variant. ElevenLabs without an API key falls back to gTTS.
func (t *TTSConfig) Sanitize() {
	kind, err := pipeline.ParseTTSKind(string(t.Provider))
	if err != nil {
		kind = pipeline.TTSKindGTTS
	}
	if kind == pipeline.TTSKindElevenLabs && strings.TrimSpace(t.ElevenLabsAPIKey) == "" {
		kind = pipeline.TTSKindGTTS
	}
	t.Provider = kind
	t.Language = strings.ToLower(fallback(t.Language, "en"))
	if t.MaxChars < 20 {
		t.MaxChars = pipeline.DefaultTTSMaxChars
	}
	t.GTTSBaseURL = strings.TrimRight(fallback(t.GTTSBaseURL, "https://translate.google.com"), "/")
	t.ElevenLabsVoiceID = fallback(t.ElevenLabsVoiceID, "21m00Tcm4TlvDq8ikWAM")
	t.ElevenLabsModel = fallback(t.ElevenLabsModel, "eleven_multilingual_v2")
	t.ElevenLabsBaseURL = strings.TrimRight(fallback(t.ElevenLabsBaseURL, "https://api.elevenlabs.io"), "/")
}

// LipSyncConfig selects the final-video strategy and configures each variant.
type LipSyncConfig struct {
	Strategy pipeline.LipSyncKind `env:"LIPSYNC_STRATEGY" envDefault:"none"`
	Timeout  time.Duration        `env:"LIPSYNC_TIMEOUT"  envDefault:"20m"`

	SadTalkerRepo          string `env:"SADTALKER_REPO"           envDefault:""`
	SadTalkerCheckpointDir string `env:"SADTALKER_CHECKPOINT_DIR" envDefault:""`
	SadTalkerPreprocess    string `env:"SADTALKER_PREPROCESS"     envDefault:"full"`
	SadTalkerSize          int    `env:"SADTALKER_SIZE"           envDefault:"256"`
	SadTalkerStill         bool   `env:"SADTALKER_STILL"          envDefault:"true"`

	Wav2LipRepo       string `env:"WAV2LIP_REPO" envDefault:""`
	Wav2LipCheckpoint string `env:"WAV2LIP_CKPT" envDefault:""`

	SyncAPIKey       string        `env:"SYNC_API_KEY"       envDefault:""`
	SyncBaseURL      string        `env:"SYNC_BASE_URL"      envDefault:"https://api.sync.so/v2"`
	SyncModel        string        `env:"SYNC_MODEL"         envDefault:"lipsync-2"`
	SyncPollInterval time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"10s"`
}

// Sanitize resolves the strategy variant. Unknown strategies fall back to plain muxing.
func (l *LipSyncConfig) Sanitize() {
	kind, err := pipeline.ParseLipSyncKind(string(l.Strategy))
	if err != nil {
		kind = pipeline.LipSyncNone
	}
	l.Strategy = kind
	l.Timeout = positive(l.Timeout, 20*time.Minute)
	l.SadTalkerPreprocess = fallback(l.SadTalkerPreprocess, "full")
	if l.SadTalkerSize != 256 && l.SadTalkerSize != 512 {
		l.SadTalkerSize = 256
	}
	l.SyncBaseURL = strings.TrimRight(fallback(l.SyncBaseURL, "https://api.sync.so/v2"), "/")
	l.SyncModel = fallback(l.SyncModel, "lipsync-2")
	l.SyncPollInterval = positive(l.SyncPollInterval, 10*time.Second)
}

// UseSyncAPI reports whether the Wav2Lip variant should call the remote API instead of the local model.
func (l *LipSyncConfig) UseSyncAPI() bool { return strings.TrimSpace(l.SyncAPIKey) != "" }

// VendorHTTPConfig bounds calls to third-party HTTP APIs and tunes their circuit breakers.
type VendorHTTPConfig struct {
	Timeout          time.Duration `env:"VENDOR_HTTP_TIMEOUT"           envDefault:"60s"`
	BreakerInterval  time.Duration `env:"VENDOR_BREAKER_INTERVAL"       envDefault:"30s"`
	BreakerTimeout   time.Duration `env:"VENDOR_BREAKER_TIMEOUT"        envDefault:"30s"`
	BreakerMinCalls  uint32        `env:"VENDOR_BREAKER_MIN_REQUESTS"   envDefault:"5"`
	BreakerFailRatio float64       `env:"VENDOR_BREAKER_FAILURE_RATIO"  envDefault:"0.6"`
}

// Sanitize applies guardrails to vendor HTTP settings.
func (v *VendorHTTPConfig) Sanitize() {
	v.Timeout = positive(v.Timeout, 60*time.Second)
	v.BreakerInterval = positive(v.BreakerInterval, 30*time.Second)
	v.BreakerTimeout = positive(v.BreakerTimeout, 30*time.Second)
	if v.BreakerMinCalls == 0 {
		v.BreakerMinCalls = 5
	}
	if v.BreakerFailRatio <= 0 || v.BreakerFailRatio > 1 {
		v.BreakerFailRatio = 0.6
	}
}

func fallback(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
