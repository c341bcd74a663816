package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// FFmpegTimeouts bounds each kind of ffmpeg invocation.
type FFmpegTimeouts struct {
	Extract   time.Duration
	Mux       time.Duration
	Frame     time.Duration
	Convert   time.Duration
	Subtitles time.Duration
}

// FFmpeg performs the audio and video transformations of the pipeline.
type FFmpeg struct {
	Bin      string
	Timeouts FFmpegTimeouts
	Runner   Runner
}

// NewFFmpeg creates an FFmpeg adapter.
func NewFFmpeg(bin string, timeouts FFmpegTimeouts, runner Runner) *FFmpeg {
	return &FFmpeg{Bin: bin, Timeouts: timeouts, Runner: runner}
}

func buildExtractAudioArgs(video, dest string) []string {
	return []string{
		"-y",
		"-i", video,
		"-map", "0:a:0?",
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dest,
	}
}

func buildRemuxArgs(video, dest string) []string {
	return []string{"-y", "-i", video, "-map", "0", "-c", "copy", dest}
}

// buildMuxArgs replaces the audio track and keeps the video stream. Subtitles, when
// present, are attached as a soft mov_text track.
func buildMuxArgs(in pipeline.MuxInput, dest string) []string {
	args := []string{"-y", "-i", in.Video, "-i", in.Audio}
	if in.Subtitles != "" {
		args = append(args, "-i", in.Subtitles)
	}
	args = append(args,
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0",
	)
	if in.Subtitles != "" {
		args = append(args, "-map", "2:0", "-c:s", "mov_text")
	}
	return append(args, "-shortest", dest)
}

func buildSoftSubtitleArgs(video, subs, dest string) []string {
	return []string{
		"-y",
		"-i", video,
		"-i", subs,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-map", "1:0",
		"-c", "copy",
		"-c:s", "mov_text",
		dest,
	}
}

func buildFirstFrameArgs(video, dest string) []string {
	return []string{"-y", "-i", video, "-vf", "select='eq(n,0)'", "-q:v", "2", dest}
}

func buildConvertWAVArgs(in, dest string) []string {
	return []string{"-y", "-i", in, "-ar", "16000", "-ac", "1", dest}
}

func (f *FFmpeg) run(ctx context.Context, args []string, timeout time.Duration, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if _, err := f.Runner.Run(ctx, Command{Name: f.Bin, Args: args, Timeout: timeout}); err != nil {
		return err
	}
	return requireOutput(dest)
}

// ExtractAudio writes the first audio stream of video as 16 kHz mono PCM WAV.
func (f *FFmpeg) ExtractAudio(ctx context.Context, video, dest string) error {
	if err := f.run(ctx, buildExtractAudioArgs(video, dest), f.Timeouts.Extract, dest); err != nil {
		return fmt.Errorf("extract audio: %w", err)
	}
	return nil
}

// Remux rewrites the container without re-encoding. It repairs most downloads that
// ffmpeg cannot demux directly.
func (f *FFmpeg) Remux(ctx context.Context, video, dest string) error {
	if err := f.run(ctx, buildRemuxArgs(video, dest), f.Timeouts.Extract, dest); err != nil {
		return fmt.Errorf("remux video: %w", err)
	}
	return nil
}

// Mux combines the source video with the synthesized audio and optional subtitles.
// A subtitles path that does not exist is skipped.
func (f *FFmpeg) Mux(ctx context.Context, in pipeline.MuxInput, dest string) error {
	if in.Subtitles != "" && !nonEmptyFile(in.Subtitles) {
		in.Subtitles = ""
	}
	if err := f.run(ctx, buildMuxArgs(in, dest), f.Timeouts.Mux, dest); err != nil {
		return fmt.Errorf("mux video: %w", err)
	}
	return nil
}

// AddSoftSubtitles attaches subs to video as a soft track. With no subtitles the video is
// copied unchanged.
func (f *FFmpeg) AddSoftSubtitles(ctx context.Context, video, subs, dest string) error {
	if !nonEmptyFile(subs) {
		if err := CopyFile(video, dest); err != nil {
			return fmt.Errorf("copy video without subtitles: %w", err)
		}
		return nil
	}
	if err := f.run(ctx, buildSoftSubtitleArgs(video, subs, dest), f.Timeouts.Subtitles, dest); err != nil {
		return fmt.Errorf("add subtitles: %w", err)
	}
	return nil
}

// ExtractFirstFrame saves the first video frame as an image, used as the lip-sync reference face.
func (f *FFmpeg) ExtractFirstFrame(ctx context.Context, video, dest string) error {
	if err := f.run(ctx, buildFirstFrameArgs(video, dest), f.Timeouts.Frame, dest); err != nil {
		return fmt.Errorf("extract first frame: %w", err)
	}
	return nil
}

// ConvertWAV16kMono resamples any audio file to 16 kHz mono WAV.
func (f *FFmpeg) ConvertWAV16kMono(ctx context.Context, in, dest string) error {
	if err := f.run(ctx, buildConvertWAVArgs(in, dest), f.Timeouts.Convert, dest); err != nil {
		return fmt.Errorf("convert audio: %w", err)
	}
	return nil
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// CopyFile copies src to dest, creating dest's directory.
func CopyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
