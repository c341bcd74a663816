package pipeline

import (
	"net/url"
	"path"
	"path/filepath"
)

// ResultFileName is the name of the final video inside a job's results directory.
const ResultFileName = "translated_video.mp4"

// Layout is the per-job file layout. Work files are private to the attempt; the results
// directory is served over HTTP.
type Layout struct {
	WorkDir    string
	ResultsDir string
}

// NewLayout derives the layout of jobID under the given roots.
func NewLayout(workRoot, resultsRoot, jobID string) Layout {
	return Layout{
		WorkDir:    filepath.Join(workRoot, jobID),
		ResultsDir: filepath.Join(resultsRoot, jobID),
	}
}

func (l Layout) Video() string          { return filepath.Join(l.WorkDir, "input_video.mp4") }
func (l Layout) Audio() string          { return filepath.Join(l.WorkDir, "input_audio.wav") }
func (l Layout) RemuxedVideo() string   { return filepath.Join(l.WorkDir, "remuxed_video.mp4") }
func (l Layout) TranscriptText() string { return filepath.Join(l.WorkDir, "transcript.txt") }
func (l Layout) Subtitles() string      { return filepath.Join(l.WorkDir, "subtitles.srt") }
func (l Layout) SpeechAudio() string    { return filepath.Join(l.WorkDir, "speech_audio.mp3") }
func (l Layout) SpeechWAV() string      { return filepath.Join(l.WorkDir, "speech_audio_16k.wav") }
func (l Layout) ReferenceFrame() string { return filepath.Join(l.WorkDir, "reference_frame.jpg") }
func (l Layout) LipSyncedVideo() string { return filepath.Join(l.WorkDir, "lipsync_video.mp4") }
func (l Layout) OutputVideo() string    { return filepath.Join(l.ResultsDir, ResultFileName) }

// ResultURL builds the public URL of a job's final video under baseURL.
func ResultURL(baseURL, jobID string) string {
	if baseURL == "" {
		baseURL = "/results"
	}
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" {
		u.Path = path.Join(u.Path, jobID, ResultFileName)
		return u.String()
	}
	return path.Join(baseURL, jobID, ResultFileName)
}

// MuxInput names the streams combined into the final video. An empty or missing Subtitles
// file is skipped.
type MuxInput struct {
	Video     string
	Audio     string
	Subtitles string
}

// LipSyncRequest is one lip-sync generation.
type LipSyncRequest struct {
	JobID string
	// Reference is the face source: a still frame for SadTalker, the original video for Wav2Lip.
	Reference string
	// Audio is 16 kHz mono WAV speech.
	Audio string
	Dest  string
}
