package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ytdlpFormat prefers mp4 video with m4a audio so ffmpeg can copy streams without re-encoding.
const ytdlpFormat = "bestvideo[ext=mp4][vcodec!=av01]+bestaudio[ext=m4a]/best[ext=mp4]/best"

// YtDlp downloads source videos with yt-dlp.
type YtDlp struct {
	Bin     string
	Timeout time.Duration
	Runner  Runner
}

// NewYtDlp creates a downloader.
func NewYtDlp(bin string, timeout time.Duration, runner Runner) *YtDlp {
	return &YtDlp{Bin: bin, Timeout: timeout, Runner: runner}
}

func buildDownloadArgs(sourceURL, dest string) []string {
	return []string{
		"--no-playlist",
		"-f", ytdlpFormat,
		"--merge-output-format", "mp4",
		"-o", dest,
		sourceURL,
	}
}

// Download fetches sourceURL into dest as a merged mp4.
func (y *YtDlp) Download(ctx context.Context, sourceURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	if _, err := y.Runner.Run(ctx, Command{Name: y.Bin, Args: buildDownloadArgs(sourceURL, dest), Timeout: y.Timeout}); err != nil {
		return fmt.Errorf("download video: %w", err)
	}
	return requireOutput(dest)
}

// requireOutput guards against tools that exit 0 without writing their output.
func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("expected output %s was not produced", filepath.Base(path))
		}
		return fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", filepath.Base(path))
	}
	return nil
}
