// Package lipsync generates the final talking video for the sadtalker and wav2lip strategies.
package lipsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/media"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// Request is one lip-sync generation.
type Request = pipeline.LipSyncRequest

// Generator produces a lip-synced video.
type Generator interface {
	Generate(ctx context.Context, req Request) error
}

// Doer is the subset of vendorhttp.Client used by the Sync API generator.
type Doer interface {
	Do(ctx context.Context, req vendorhttp.Request) ([]byte, error)
	DoJSON(ctx context.Context, req vendorhttp.Request, dest any) error
}

// Deps are the collaborators a generator may need.
type Deps struct {
	Runner media.Runner
	// Sync is required only when the Wav2Lip strategy uses the remote API.
	Sync Doer
}

// New returns the generator for cfg.LipSync.Strategy. The none strategy has no generator and
// returns nil.
func New(cfg config.PipelineConfig, deps Deps) (Generator, error) {
	switch cfg.LipSync.Strategy {
	case pipeline.LipSyncNone:
		return nil, nil
	case pipeline.LipSyncSadTalker:
		return NewSadTalker(cfg.LipSync, cfg.Tools.PythonBin, deps.Runner), nil
	case pipeline.LipSyncWav2Lip:
		if cfg.LipSync.UseSyncAPI() {
			if deps.Sync == nil {
				return nil, fmt.Errorf("lipsync: sync api client is required")
			}
			return NewSyncAPI(cfg, deps.Sync), nil
		}
		return NewWav2Lip(cfg.LipSync, cfg.Tools.PythonBin, deps.Runner), nil
	default:
		return nil, fmt.Errorf("lipsync: unsupported strategy %q", cfg.LipSync.Strategy)
	}
}

// requireRepo checks that repo is a model checkout with an inference.py entrypoint.
func requireRepo(name, envVar, repo string) (string, error) {
	if repo == "" {
		return "", fmt.Errorf("%s repo not configured: set %s", name, envVar)
	}
	if info, err := os.Stat(repo); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%s repo not found: %s", name, repo)
	}
	script := filepath.Join(repo, "inference.py")
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("%s inference.py not found at %s", name, script)
	}
	return script, nil
}
