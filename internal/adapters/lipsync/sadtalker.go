package lipsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/media"
)

// SadTalker animates a still frame with the synthesized speech.
type SadTalker struct {
	cfg    config.LipSyncConfig
	python string
	runner media.Runner
}

// NewSadTalker creates a SadTalker generator.
func NewSadTalker(cfg config.LipSyncConfig, python string, runner media.Runner) *SadTalker {
	return &SadTalker{cfg: cfg, python: python, runner: runner}
}

func buildSadTalkerArgs(cfg config.LipSyncConfig, script, image, audio, resultDir string) []string {
	args := []string{
		script,
		"--driven_audio", audio,
		"--source_image", image,
		"--checkpoint_dir", cfg.SadTalkerCheckpointDir,
		"--result_dir", resultDir,
		"--preprocess", cfg.SadTalkerPreprocess,
		"--batch_size", "2",
		"--size", strconv.Itoa(cfg.SadTalkerSize),
	}
	if cfg.SadTalkerStill {
		args = append(args, "--still")
	}
	return args
}

// Generate runs SadTalker inside its repository and copies the newest produced mp4 to req.Dest.
func (s *SadTalker) Generate(ctx context.Context, req Request) error {
	script, err := requireRepo("SadTalker", "SADTALKER_REPO", s.cfg.SadTalkerRepo)
	if err != nil {
		return err
	}
	if s.cfg.SadTalkerCheckpointDir == "" {
		return errors.New("SadTalker checkpoints not configured: set SADTALKER_CHECKPOINT_DIR")
	}
	resultDir := filepath.Join(filepath.Dir(req.Dest), "sadtalker_results")
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("create sadtalker result dir: %w", err)
	}
	// Relative paths inside the repo require running from its root, so inputs are made absolute.
	image, audio, dir := absPath(req.Reference), absPath(req.Audio), absPath(resultDir)

	if _, err := s.runner.Run(ctx, media.Command{
		Name:    s.python,
		Args:    buildSadTalkerArgs(s.cfg, script, image, audio, dir),
		Dir:     s.cfg.SadTalkerRepo,
		Timeout: s.cfg.Timeout,
	}); err != nil {
		return fmt.Errorf("sadtalker: %w", err)
	}

	produced, err := newestMP4(resultDir)
	if err != nil {
		return err
	}
	if err := media.CopyFile(produced, req.Dest); err != nil {
		return fmt.Errorf("copy sadtalker output: %w", err)
	}
	return nil
}

// newestMP4 finds the most recently modified mp4 anywhere under dir.
func newestMP4(dir string) (string, error) {
	var newest string
	var newestMod int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = path, mod
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan sadtalker results: %w", err)
	}
	if newest == "" {
		return "", errors.New("SadTalker did not produce an MP4 output in result dir")
	}
	return newest, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
