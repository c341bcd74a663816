package lipsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/media"
)

// Wav2Lip re-syncs the lips in a face video with a local Wav2Lip checkout.
type Wav2Lip struct {
	cfg    config.LipSyncConfig
	python string
	runner media.Runner
}

// NewWav2Lip creates a local Wav2Lip generator.
func NewWav2Lip(cfg config.LipSyncConfig, python string, runner media.Runner) *Wav2Lip {
	return &Wav2Lip{cfg: cfg, python: python, runner: runner}
}

func buildWav2LipArgs(script, checkpoint, face, audio, dest string) []string {
	return []string{
		script,
		"--checkpoint_path", checkpoint,
		"--face", face,
		"--audio", audio,
		"--outfile", dest,
		"--static", "False",
		"--wav2lip_batch_size", "32",
	}
}

// Generate runs Wav2Lip inference inside its repository.
func (w *Wav2Lip) Generate(ctx context.Context, req Request) error {
	script, err := requireRepo("Wav2Lip", "WAV2LIP_REPO", w.cfg.Wav2LipRepo)
	if err != nil {
		return err
	}
	if w.cfg.Wav2LipCheckpoint == "" {
		return errors.New("Wav2Lip checkpoint not configured: set WAV2LIP_CKPT")
	}
	if _, err := os.Stat(w.cfg.Wav2LipCheckpoint); err != nil {
		return fmt.Errorf("Wav2Lip checkpoint not found at %s", w.cfg.Wav2LipCheckpoint)
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return fmt.Errorf("create wav2lip output dir: %w", err)
	}

	if _, err := w.runner.Run(ctx, media.Command{
		Name:    w.python,
		Args:    buildWav2LipArgs(script, absPath(w.cfg.Wav2LipCheckpoint), absPath(req.Reference), absPath(req.Audio), absPath(req.Dest)),
		Dir:     w.cfg.Wav2LipRepo,
		Timeout: w.cfg.Timeout,
	}); err != nil {
		return fmt.Errorf("wav2lip: %w", err)
	}
	if info, err := os.Stat(req.Dest); err != nil || info.Size() == 0 {
		return errors.New("Wav2Lip did not produce an output video")
	}
	return nil
}
