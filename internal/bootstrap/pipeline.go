package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/lipsync"
	"github.com/target/dubbing-api/internal/adapters/media"
	"github.com/target/dubbing-api/internal/adapters/transcribe"
	"github.com/target/dubbing-api/internal/adapters/translate"
	"github.com/target/dubbing-api/internal/adapters/tts"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/observability/statsd"
	"github.com/target/dubbing-api/internal/service"
)

// buildPipelineStages wires the stage adapters selected by cfg.
func buildPipelineStages(cfg config.PipelineConfig, logger *slog.Logger) (service.PipelineStages, error) {
	runner := media.NewExecRunner(logger.With("component", "exec"))
	ffmpeg := media.NewFFmpeg(cfg.Tools.FFmpegBin, media.FFmpegTimeouts{
		Extract:   cfg.Tools.ExtractTimeout,
		Mux:       cfg.Tools.MuxTimeout,
		Frame:     cfg.Tools.FrameTimeout,
		Convert:   cfg.Tools.ConvertTimeout,
		Subtitles: cfg.Tools.SubtitlesTimeout,
	}, runner)

	stages := service.PipelineStages{
		Downloader:  media.NewYtDlp(cfg.Tools.YtDlpBin, cfg.Tools.DownloadTimeout, runner),
		Audio:       ffmpeg,
		Muxer:       ffmpeg,
		Transcriber: transcribe.NewWhisper(cfg.Transcribe, runner, logger.With("component", "whisper")),
	}

	vendor := func(name string) *vendorhttp.Client {
		return vendorhttp.NewClient(vendorhttp.Config{
			Vendor:   name,
			Settings: cfg.VendorHTTP,
			Logger:   logger,
		})
	}

	if cfg.Translator.Enabled() {
		stages.Translator = translate.New(cfg.Translator, vendor("translator"))
	}

	synth, err := tts.New(cfg.TTS, vendor(tts.VendorName(cfg.TTS.Provider)))
	if err != nil {
		return service.PipelineStages{}, err
	}
	stages.Synthesizer = synth

	deps := lipsync.Deps{Runner: runner}
	if cfg.LipSync.UseSyncAPI() {
		deps.Sync = vendor("sync")
	}
	gen, err := lipsync.New(cfg, deps)
	if err != nil {
		return service.PipelineStages{}, err
	}
	if gen != nil {
		stages.LipSyncer = gen
	}
	return stages, nil
}

// newPipelineExecutor builds the executor for one worker process.
func newPipelineExecutor(
	cfg config.PipelineConfig,
	store core.StateStore,
	metrics statsd.Sink,
	logger *slog.Logger,
) (*service.PipelineExecutor, error) {
	stages, err := buildPipelineStages(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build pipeline stages: %w", err)
	}
	return service.NewPipelineExecutor(service.PipelineExecutorOptions{
		Store:          store,
		Stages:         stages,
		Strategy:       cfg.LipSync.Strategy,
		WorkRoot:       cfg.WorkDir(),
		ResultsRoot:    cfg.ResultsDir(),
		ResultsBaseURL: cfg.ResultsBaseURL,
		SourceLanguage: cfg.Transcribe.Language,
		TTSProvider:    string(cfg.TTS.Provider),
		TTSMaxChars:    cfg.TTS.MaxChars,
		KeepWorkDir:    cfg.KeepWorkDir,
		Metrics:        metrics,
		Logger:         logger.With("component", "pipeline"),
	})
}
