package core

import (
	"context"

	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// Downloader fetches a source video to dest.
type Downloader interface {
	Download(ctx context.Context, sourceURL, dest string) error
}

// AudioExtractor pulls the audio track out of a video. Remux rewrites the container without
// re-encoding so a damaged download can be retried once.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, video, dest string) error
	Remux(ctx context.Context, video, dest string) error
}

// Muxer assembles the final video.
type Muxer interface {
	Mux(ctx context.Context, in pipeline.MuxInput, dest string) error
	AddSoftSubtitles(ctx context.Context, video, subs, dest string) error
	ExtractFirstFrame(ctx context.Context, video, dest string) error
	ConvertWAV16kMono(ctx context.Context, in, dest string) error
}

// Transcriber turns speech into timed text. language may be empty for the configured default.
type Transcriber interface {
	Transcribe(ctx context.Context, audio, language string) (*pipeline.Transcript, error)
}

// Translator translates text into the configured target language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Synthesizer renders text chunks as one speech file.
type Synthesizer interface {
	Synthesize(ctx context.Context, chunks []string, dest string) error
}

// LipSyncer produces a lip-synced video from a reference face and speech audio.
type LipSyncer interface {
	Generate(ctx context.Context, req pipeline.LipSyncRequest) error
}
