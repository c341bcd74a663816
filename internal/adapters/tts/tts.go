// Package tts synthesizes speech through the Google Translate speech endpoint or ElevenLabs.
package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// ErrNoText is returned when there is nothing to synthesize.
var ErrNoText = errors.New("tts: no text to synthesize")

// Doer is the subset of vendorhttp.Client the providers need.
type Doer interface {
	Do(ctx context.Context, req vendorhttp.Request) ([]byte, error)
}

// Synthesizer turns text chunks into one mp3 file.
type Synthesizer interface {
	Synthesize(ctx context.Context, chunks []string, dest string) error
}

// New returns the synthesizer for cfg.Provider.
func New(cfg config.TTSConfig, client Doer) (Synthesizer, error) {
	switch cfg.Provider {
	case pipeline.TTSKindGTTS:
		return &GTTS{cfg: cfg, client: client}, nil
	case pipeline.TTSKindElevenLabs:
		if cfg.ElevenLabsAPIKey == "" {
			return nil, errors.New("tts: ELEVENLABS_API_KEY is required for the elevenlabs provider")
		}
		return &ElevenLabs{cfg: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("tts: unsupported provider %q", cfg.Provider)
	}
}

// VendorName returns the circuit breaker name used for kind.
func VendorName(kind pipeline.TTSKind) string {
	return "tts-" + string(kind)
}

type chunkFunc func(ctx context.Context, chunk string) ([]byte, error)

// synthesizeChunks fetches each chunk in order and concatenates the mp3 payloads into dest.
func synthesizeChunks(ctx context.Context, chunks []string, dest string, fetch chunkFunc) (err error) {
	if len(chunks) == 0 {
		return ErrNoText
	}
	if err = os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("tts: create output dir: %w", err)
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("tts: create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("tts: close output: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(tmp)
			return
		}
		err = os.Rename(tmp, dest)
	}()

	for i, chunk := range chunks {
		audio, ferr := fetch(ctx, chunk)
		if ferr != nil {
			return fmt.Errorf("tts chunk %d/%d: %w", i+1, len(chunks), ferr)
		}
		if len(audio) == 0 {
			return fmt.Errorf("tts chunk %d/%d: empty audio", i+1, len(chunks))
		}
		if _, err = f.Write(audio); err != nil {
			return fmt.Errorf("tts: write output: %w", err)
		}
	}
	return nil
}
