// Package transcribe runs speech recognition through the whisper and whisperx command line tools.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/media"
	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// Whisper transcribes audio with openai-whisper, or whisperx when enabled.
// Alignment refinement is best-effort and whisperx falls back to whisper when it cannot run.
type Whisper struct {
	cfg    config.TranscribeConfig
	runner media.Runner
	logger *slog.Logger
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(cfg config.TranscribeConfig, runner media.Runner, logger *slog.Logger) *Whisper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Whisper{cfg: cfg, runner: runner, logger: logger.With("component", "transcriber")}
}

// whisperOutput is the JSON document both CLIs write with --output_format json.
type whisperOutput struct {
	Text     string             `json:"text"`
	Language string             `json:"language"`
	Segments []pipeline.Segment `json:"segments"`
}

func buildWhisperArgs(cfg config.TranscribeConfig, audio, outDir, language string) []string {
	args := []string{
		audio,
		"--model", cfg.Model,
		"--task", cfg.Task,
		"--output_format", "json",
		"--output_dir", outDir,
	}
	if language != "" && language != "auto" {
		args = append(args, "--language", language)
	}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}
	return args
}

func buildWhisperXArgs(cfg config.TranscribeConfig, audio, outDir, language string, align bool) []string {
	args := buildWhisperArgs(cfg, audio, outDir, language)
	args = append(args, "--batch_size", "16")
	if cfg.Device == "" || cfg.Device == "cpu" {
		args = append(args, "--compute_type", "int8")
	}
	if !align {
		args = append(args, "--no_align")
	}
	return args
}

// Transcribe recognises speech in audio. language overrides the configured source language when set.
func (w *Whisper) Transcribe(ctx context.Context, audio, language string) (*pipeline.Transcript, error) {
	if language == "" {
		language = w.cfg.Language
	}
	outDir := filepath.Join(filepath.Dir(audio), "stt")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	var notes []string
	if w.cfg.UseWhisperX {
		tr, xNotes, err := w.runWhisperX(ctx, audio, outDir, language)
		notes = append(notes, xNotes...)
		if err == nil {
			tr.Notes = notes
			return tr, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		notes = append(notes, "WhisperX unavailable; fallback to Whisper: "+err.Error())
		w.logger.WarnContext(ctx, "whisperx failed, falling back to whisper", "error", err)
	}

	if _, err := w.runner.Run(ctx, media.Command{
		Name:    w.cfg.WhisperBin,
		Args:    buildWhisperArgs(w.cfg, audio, outDir, language),
		Timeout: w.cfg.Timeout,
	}); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	tr, err := readTranscript(outDir, audio)
	if err != nil {
		return nil, err
	}
	tr.Notes = notes
	return tr, nil
}

// runWhisperX transcribes with alignment, retrying once without it when only the alignment
// pass failed.
func (w *Whisper) runWhisperX(ctx context.Context, audio, outDir, language string) (*pipeline.Transcript, []string, error) {
	var notes []string
	_, err := w.runner.Run(ctx, media.Command{
		Name:    w.cfg.WhisperXBin,
		Args:    buildWhisperXArgs(w.cfg, audio, outDir, language, true),
		Timeout: w.cfg.Timeout,
	})
	if err == nil {
		tr, readErr := readTranscript(outDir, audio)
		if readErr == nil {
			notes = append(notes, "WhisperX alignment applied")
		}
		return tr, notes, readErr
	}
	if !isAlignmentFailure(err) {
		return nil, notes, err
	}

	notes = append(notes, "WhisperX alignment skipped: "+firstLine(err))
	if _, err = w.runner.Run(ctx, media.Command{
		Name:    w.cfg.WhisperXBin,
		Args:    buildWhisperXArgs(w.cfg, audio, outDir, language, false),
		Timeout: w.cfg.Timeout,
	}); err != nil {
		return nil, notes, err
	}
	tr, err := readTranscript(outDir, audio)
	return tr, notes, err
}

// isAlignmentFailure recognises whisperx errors raised while loading or running the
// alignment model, after transcription itself succeeded.
func isAlignmentFailure(err error) bool {
	var cmdErr *media.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	stderr := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(stderr, "align") || strings.Contains(stderr, "wav2vec2")
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func readTranscript(outDir, audio string) (*pipeline.Transcript, error) {
	base := strings.TrimSuffix(filepath.Base(audio), filepath.Ext(audio))
	raw, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		parts := make([]string, 0, len(out.Segments))
		for _, seg := range out.Segments {
			if t := strings.TrimSpace(seg.Text); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, " ")
	}
	return &pipeline.Transcript{Text: text, Language: out.Language, Segments: out.Segments}, nil
}
