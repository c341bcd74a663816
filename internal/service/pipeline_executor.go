package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/domain/pipeline"
	"github.com/target/dubbing-api/internal/observability/metrics"
	"github.com/target/dubbing-api/internal/observability/statsd"
)

// Pipeline stage names used in errors, logs and metrics.
const (
	StageSetup      = "setup"
	StageDownload   = "download"
	StageExtract    = "extract_audio"
	StageTranscribe = "transcribe"
	StageTranslate  = "translate"
	StageTranscript = "transcript"
	StageSynthesize = "tts"
	StageMux        = "mux"
	StageLipSync    = "lipsync"
	StageSubtitles  = "subtitles"
	StageResult     = "result"
)

// StageError is returned by PipelineExecutor.Run when a stage aborts the attempt.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded in err, or "" when err is not a *StageError.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// PipelineStages groups the collaborators driven by the executor.
// Translator and LipSyncer are optional; LipSyncer is required for sadtalker and wav2lip.
type PipelineStages struct {
	Downloader  core.Downloader
	Audio       core.AudioExtractor
	Muxer       core.Muxer
	Transcriber core.Transcriber
	Translator  core.Translator
	Synthesizer core.Synthesizer
	LipSyncer   core.LipSyncer
}

// PipelineExecutorOptions groups dependencies for PipelineExecutor.
type PipelineExecutorOptions struct {
	Store          core.StateStore // Required
	Stages         PipelineStages  // Required: Downloader, Audio, Muxer, Transcriber, Synthesizer
	Strategy       pipeline.LipSyncKind
	WorkRoot       string // Required
	ResultsRoot    string // Required
	ResultsBaseURL string
	SourceLanguage string
	TTSProvider    string
	TTSMaxChars    int
	// KeepWorkDir leaves the per-job work directory on disk after a successful run.
	KeepWorkDir bool
	Metrics     statsd.Sink
	Logger      *slog.Logger
}

// PipelineExecutor runs one attempt of a translation job through every stage and records
// progress, logs and the outcome in the state store.
type PipelineExecutor struct {
	store       core.StateStore
	stages      PipelineStages
	strategy    pipeline.LipSyncKind
	workRoot    string
	resultsRoot string
	resultsURL  string
	language    string
	ttsProvider string
	maxChars    int
	keepWork    bool
	metrics     statsd.Sink
	logger      *slog.Logger
}

// NewPipelineExecutor validates the options and builds an executor.
func NewPipelineExecutor(opts PipelineExecutorOptions) (*PipelineExecutor, error) {
	if opts.Store == nil {
		return nil, errors.New("StateStore is required")
	}
	st := opts.Stages
	switch {
	case st.Downloader == nil:
		return nil, errors.New("downloader is required")
	case st.Audio == nil:
		return nil, errors.New("audio extractor is required")
	case st.Muxer == nil:
		return nil, errors.New("muxer is required")
	case st.Transcriber == nil:
		return nil, errors.New("transcriber is required")
	case st.Synthesizer == nil:
		return nil, errors.New("synthesizer is required")
	}
	if opts.WorkRoot == "" || opts.ResultsRoot == "" {
		return nil, errors.New("work and results roots are required")
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = pipeline.LipSyncNone
	}
	switch strategy {
	case pipeline.LipSyncNone:
	case pipeline.LipSyncSadTalker, pipeline.LipSyncWav2Lip:
		if st.LipSyncer == nil {
			return nil, fmt.Errorf("lip-sync strategy %s requires a lip-sync generator", strategy)
		}
	default:
		return nil, fmt.Errorf("unknown lip-sync strategy %q", strategy)
	}

	maxChars := opts.TTSMaxChars
	if maxChars <= 0 {
		maxChars = pipeline.DefaultTTSMaxChars
	}
	provider := opts.TTSProvider
	if provider == "" {
		provider = string(pipeline.TTSKindGTTS)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PipelineExecutor{
		store:       opts.Store,
		stages:      st,
		strategy:    strategy,
		workRoot:    opts.WorkRoot,
		resultsRoot: opts.ResultsRoot,
		resultsURL:  opts.ResultsBaseURL,
		language:    opts.SourceLanguage,
		ttsProvider: provider,
		maxChars:    maxChars,
		keepWork:    opts.KeepWorkDir,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "pipeline"),
	}, nil
}

// Strategy returns the final-video strategy resolved at construction.
func (e *PipelineExecutor) Strategy() pipeline.LipSyncKind { return e.strategy }

// jobRun carries the state of one attempt.
type jobRun struct {
	id       string
	source   string
	attempt  int
	layout   pipeline.Layout
	progress pipeline.ProgressTracker
	logger   *slog.Logger
	// started is set once the attempt has marked the job RUNNING.
	started bool
}

// Run executes one attempt. On success the job ends DONE at 100 with a result URL.
// On failure the job ends FAILED with progress 0 and the last checkpoint, and a *StageError is returned.
// An attempt cancelled with core.ErrLeaseLost as the cause leaves the job state untouched; any other
// cancellation puts the job back to QUEUED for the next worker.
func (e *PipelineExecutor) Run(ctx context.Context, jobID, sourceURL string, attempt int) error {
	run := &jobRun{
		id:      jobID,
		source:  sourceURL,
		attempt: attempt,
		layout:  pipeline.NewLayout(e.workRoot, e.resultsRoot, jobID),
		logger:  e.logger.With("job_id", jobID, "attempt", attempt),
	}
	started := time.Now()

	err := e.execute(ctx, run)
	if err == nil {
		run.logger.InfoContext(ctx, "job completed", "duration", time.Since(started))
		if !e.keepWork {
			if rmErr := os.RemoveAll(run.layout.WorkDir); rmErr != nil {
				run.logger.WarnContext(ctx, "remove work dir failed", "error", rmErr)
			}
		}
		return nil
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: StageSetup, Err: err}
	}
	switch {
	case errors.Is(context.Cause(ctx), core.ErrLeaseLost):
		run.logger.WarnContext(ctx, "execution lease lost; leaving job state to its new owner", "stage", se.Stage)
	case ctx.Err() != nil:
		e.recordInterrupted(ctx, run, se)
	default:
		e.recordFailure(ctx, run, se)
	}
	return se
}

func (e *PipelineExecutor) execute(ctx context.Context, run *jobRun) error {
	running := model.StatusUpdate{
		Status:   model.JobStatusRunning,
		Progress: intPtr(0),
		Error:    strPtr(""),
		Attempt:  intPtr(run.attempt),
	}
	if err := e.store.SetStatus(ctx, run.id, running); err != nil {
		return &StageError{Stage: StageSetup, Err: fmt.Errorf("mark running: %w", err)}
	}
	run.started = true
	if err := os.MkdirAll(run.layout.WorkDir, 0o755); err != nil {
		return &StageError{Stage: StageSetup, Err: fmt.Errorf("create work dir: %w", err)}
	}

	if err := e.stage(ctx, run, StageDownload, pipeline.CheckpointDownload, "Downloading video...", func() error {
		return e.stages.Downloader.Download(ctx, run.source, run.layout.Video())
	}); err != nil {
		return err
	}

	if err := e.stage(ctx, run, StageExtract, pipeline.CheckpointExtract, "Extracting audio...", func() error {
		return e.extractAudio(ctx, run)
	}); err != nil {
		return err
	}

	var transcript *pipeline.Transcript
	if err := e.stage(ctx, run, StageTranscribe, pipeline.CheckpointTranscribe, "Transcribing audio...", func() error {
		var tErr error
		transcript, tErr = e.stages.Transcriber.Transcribe(ctx, run.layout.Audio(), e.language)
		if tErr != nil {
			return tErr
		}
		if transcript == nil {
			return errors.New("transcriber returned no transcript")
		}
		for _, note := range transcript.Notes {
			if logErr := e.log(ctx, run, note); logErr != nil {
				return logErr
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := e.translate(ctx, run, transcript); err != nil {
		return err
	}
	if err := e.timed(ctx, run, StageTranscript, func() error {
		return writeTranscript(run.layout, transcript)
	}); err != nil {
		return err
	}

	synthMsg := fmt.Sprintf("Synthesizing speech with %s TTS...", e.ttsProvider)
	if err := e.stage(ctx, run, StageSynthesize, pipeline.CheckpointSynthesize, synthMsg, func() error {
		chunks := pipeline.SplitTextForTTS(transcript.Text, e.maxChars)
		if len(chunks) == 0 {
			return errors.New("transcript is empty; nothing to synthesize")
		}
		return e.stages.Synthesizer.Synthesize(ctx, chunks, run.layout.SpeechAudio())
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(run.layout.ResultsDir, 0o755); err != nil {
		return &StageError{Stage: StageResult, Err: fmt.Errorf("create results dir: %w", err)}
	}
	if err := e.finalVideo(ctx, run); err != nil {
		return err
	}

	return e.complete(ctx, run)
}

// extractAudio retries a failed extraction once against a remuxed copy of the download.
func (e *PipelineExecutor) extractAudio(ctx context.Context, run *jobRun) error {
	err := e.stages.Audio.ExtractAudio(ctx, run.layout.Video(), run.layout.Audio())
	if err == nil {
		return nil
	}
	run.logger.WarnContext(ctx, "audio extraction failed, remuxing", "error", err)
	if logErr := e.log(ctx, run, fmt.Sprintf("Audio extraction failed (%s); remuxing video and retrying...", firstLine(err.Error()))); logErr != nil {
		return logErr
	}
	if rmErr := e.stages.Audio.Remux(ctx, run.layout.Video(), run.layout.RemuxedVideo()); rmErr != nil {
		return fmt.Errorf("remux after extraction failure (%w): %w", err, rmErr)
	}
	if err := e.stages.Audio.ExtractAudio(ctx, run.layout.RemuxedVideo(), run.layout.Audio()); err != nil {
		return fmt.Errorf("extract audio from remuxed video: %w", err)
	}
	return nil
}

// translate is best-effort: failures are logged and the untranslated text is kept. The
// transcript is only changed when the full text and every segment translated.
func (e *PipelineExecutor) translate(ctx context.Context, run *jobRun, t *pipeline.Transcript) error {
	tr := e.stages.Translator
	if tr == nil {
		return nil
	}
	started := time.Now()
	text, segments, err := translateTranscript(ctx, tr, t)
	metrics.EmitStage(e.metrics, StageTranslate, time.Since(started), err)
	if err == nil {
		t.Text = text
		t.Segments = segments
		return e.log(ctx, run, "Translation applied")
	}
	if ctx.Err() != nil {
		return &StageError{Stage: StageTranslate, Err: ctx.Err()}
	}
	run.logger.WarnContext(ctx, "translation skipped", "error", err)
	return e.log(ctx, run, "Translation skipped: "+firstLine(err.Error()))
}

func translateTranscript(ctx context.Context, tr core.Translator, t *pipeline.Transcript) (string, []pipeline.Segment, error) {
	text, err := tr.Translate(ctx, t.Text)
	if err != nil {
		return "", nil, err
	}
	segments := make([]pipeline.Segment, len(t.Segments))
	copy(segments, t.Segments)
	for i := range segments {
		seg, err := tr.Translate(ctx, segments[i].Text)
		if err != nil {
			return "", nil, fmt.Errorf("segment %d: %w", i+1, err)
		}
		segments[i].Text = seg
	}
	return text, segments, nil
}

func writeTranscript(layout pipeline.Layout, t *pipeline.Transcript) error {
	if err := os.WriteFile(layout.TranscriptText(), []byte(t.Text), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.WriteFile(layout.Subtitles(), []byte(pipeline.RenderSRT(t.Segments)), 0o644); err != nil {
		return fmt.Errorf("write subtitles: %w", err)
	}
	return nil
}

func (e *PipelineExecutor) finalVideo(ctx context.Context, run *jobRun) error {
	l := run.layout
	switch e.strategy {
	case pipeline.LipSyncNone:
		return e.stage(ctx, run, StageMux, pipeline.CheckpointMux, "Muxing video + dubbed audio + subtitles...", func() error {
			return e.stages.Muxer.Mux(ctx, pipeline.MuxInput{
				Video:     l.Video(),
				Audio:     l.SpeechAudio(),
				Subtitles: l.Subtitles(),
			}, l.OutputVideo())
		})

	case pipeline.LipSyncSadTalker:
		if err := e.timed(ctx, run, StageLipSync, func() error {
			if err := e.stages.Muxer.ExtractFirstFrame(ctx, l.Video(), l.ReferenceFrame()); err != nil {
				return fmt.Errorf("extract reference frame: %w", err)
			}
			return e.stages.Muxer.ConvertWAV16kMono(ctx, l.SpeechAudio(), l.SpeechWAV())
		}); err != nil {
			return err
		}
		return e.lipSync(ctx, run, "Generating talking-head video with SadTalker...", l.ReferenceFrame())

	case pipeline.LipSyncWav2Lip:
		if err := e.timed(ctx, run, StageLipSync, func() error {
			return e.stages.Muxer.ConvertWAV16kMono(ctx, l.SpeechAudio(), l.SpeechWAV())
		}); err != nil {
			return err
		}
		return e.lipSync(ctx, run, "Running Wav2Lip lip-sync...", l.Video())

	default:
		return &StageError{Stage: StageLipSync, Err: fmt.Errorf("unknown lip-sync strategy %q", e.strategy)}
	}
}

func (e *PipelineExecutor) lipSync(ctx context.Context, run *jobRun, msg, reference string) error {
	l := run.layout
	if err := e.stage(ctx, run, StageLipSync, pipeline.CheckpointLipSync, msg, func() error {
		return e.stages.LipSyncer.Generate(ctx, pipeline.LipSyncRequest{
			JobID:     run.id,
			Reference: reference,
			Audio:     l.SpeechWAV(),
			Dest:      l.LipSyncedVideo(),
		})
	}); err != nil {
		return err
	}
	return e.stage(ctx, run, StageSubtitles, pipeline.CheckpointSubtitles, "Attaching subtitles...", func() error {
		return e.stages.Muxer.AddSoftSubtitles(ctx, l.LipSyncedVideo(), l.Subtitles(), l.OutputVideo())
	})
}

func (e *PipelineExecutor) complete(ctx context.Context, run *jobRun) error {
	resultURL := pipeline.ResultURL(e.resultsURL, run.id)
	if err := e.store.SetStatus(ctx, run.id, model.StatusUpdate{
		Status:    model.JobStatusDone,
		Progress:  intPtr(int(pipeline.CheckpointDone)),
		ResultURL: resultURL,
	}); err != nil {
		return &StageError{Stage: StageResult, Err: fmt.Errorf("mark done: %w", err)}
	}
	// a failed DONE write keeps the last stage as the checkpoint
	_, _ = run.progress.Advance(pipeline.CheckpointDone)
	// the job is DONE; a lost log line must not turn it into a failed attempt
	if err := e.log(ctx, run, "Job completed. Result: "+resultURL); err != nil {
		run.logger.WarnContext(ctx, "append completion log", "error", err)
	}
	return nil
}

// stage records cp, logs msg and runs fn. Any error is returned as a *StageError for name.
func (e *PipelineExecutor) stage(ctx context.Context, run *jobRun, name string, cp pipeline.Checkpoint, msg string, fn func() error) error {
	progress, err := run.progress.Advance(cp)
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	if err := e.store.SetStatus(ctx, run.id, model.StatusUpdate{
		Status:   model.JobStatusRunning,
		Progress: intPtr(progress),
	}); err != nil {
		return &StageError{Stage: name, Err: fmt.Errorf("record progress: %w", err)}
	}
	if err := e.log(ctx, run, msg); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return e.timed(ctx, run, name, fn)
}

func (e *PipelineExecutor) timed(ctx context.Context, run *jobRun, name string, fn func() error) error {
	started := time.Now()
	err := fn()
	metrics.EmitStage(e.metrics, name, time.Since(started), err)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return se
		}
		return &StageError{Stage: name, Err: err}
	}
	run.logger.DebugContext(ctx, "stage finished", "stage", name, "duration", time.Since(started))
	return nil
}

func (e *PipelineExecutor) log(ctx context.Context, run *jobRun, msg string) error {
	if err := e.store.AppendLog(ctx, run.id, msg); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// recordFailure writes the terminal state of a failed attempt. Store errors here are only logged
// so the original stage error still reaches the scheduler.
func (e *PipelineExecutor) recordFailure(ctx context.Context, run *jobRun, se *StageError) {
	msg := se.Err.Error()
	run.logger.ErrorContext(ctx, "pipeline stage failed", "stage", se.Stage, "error", se.Err)

	// shutdown may race the write; the failure is still recorded
	writeCtx := context.WithoutCancel(ctx)
	if err := e.store.AppendLog(writeCtx, run.id, "Error: "+msg); err != nil {
		run.logger.WarnContext(ctx, "append failure log", "error", err)
	}
	if err := e.store.SetStatus(writeCtx, run.id, model.StatusUpdate{
		Status:     model.JobStatusFailed,
		Progress:   intPtr(0),
		Error:      strPtr(se.Error()),
		Checkpoint: intPtr(run.progress.Current()),
	}); err != nil {
		run.logger.WarnContext(ctx, "record failure state", "error", err)
	}
}

// recordInterrupted hands a cancelled attempt back to the queue. The task is rescheduled by
// its runner, so the job shows QUEUED with the checkpoint it reached instead of FAILED.
func (e *PipelineExecutor) recordInterrupted(ctx context.Context, run *jobRun, se *StageError) {
	run.logger.WarnContext(ctx, "attempt interrupted", "stage", se.Stage, "checkpoint", run.progress.Current())
	if !run.started {
		return
	}
	writeCtx := context.WithoutCancel(ctx)
	if err := e.store.AppendLog(writeCtx, run.id, "Interrupted; the job will resume on another worker"); err != nil {
		run.logger.WarnContext(ctx, "append interruption log", "error", err)
	}
	if err := e.store.SetStatus(writeCtx, run.id, model.StatusUpdate{
		Status:     model.JobStatusQueued,
		Progress:   intPtr(0),
		Checkpoint: intPtr(run.progress.Current()),
	}); err != nil {
		run.logger.WarnContext(ctx, "record interrupted state", "error", err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
