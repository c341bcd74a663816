package pipeline

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLipSyncKind(t *testing.T) {
	tests := map[string]LipSyncKind{
		"":             LipSyncNone,
		"none":         LipSyncNone,
		" SadTalker ":  LipSyncSadTalker,
		"provider-a":   LipSyncSadTalker,
		"wav2lip":      LipSyncWav2Lip,
		"provider-b":   LipSyncWav2Lip,
		"talking-head": LipSyncSadTalker,
	}
	for in, want := range tests {
		got, err := ParseLipSyncKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLipSyncKind("deepfake")
	assert.Error(t, err)
}

func TestParseTTSKind(t *testing.T) {
	got, err := ParseTTSKind("ElevenLabs")
	require.NoError(t, err)
	assert.Equal(t, TTSKindElevenLabs, got)

	got, err = ParseTTSKind("")
	require.NoError(t, err)
	assert.Equal(t, TTSKindGTTS, got)

	_, err = ParseTTSKind("azure")
	assert.Error(t, err)
}

func TestProgressTracker_NonDecreasing(t *testing.T) {
	var p ProgressTracker

	seq := []Checkpoint{CheckpointDownload, CheckpointExtract, CheckpointTranscribe, CheckpointSynthesize,
		CheckpointLipSync, CheckpointSubtitles, CheckpointDone}
	last := -1
	for _, cp := range seq {
		v, err := p.Advance(cp)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, last)
		assert.LessOrEqual(t, v, 100)
		last = v
	}

	v, err := p.Advance(CheckpointExtract)
	require.Error(t, err)
	assert.Equal(t, 100, v)
	assert.Equal(t, 100, p.Current())
}

func TestProgressTracker_Clamps(t *testing.T) {
	var p ProgressTracker
	v, err := p.Advance(Checkpoint(150))
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	var q ProgressTracker
	v, err = q.Advance(Checkpoint(-3))
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestSplitTextForTTS(t *testing.T) {
	assert.Empty(t, SplitTextForTTS("   ", 10))
	assert.Equal(t, []string{"hello world"}, SplitTextForTTS("hello   world", 250))
	assert.Equal(t, []string{"aaa bbb", "ccc"}, SplitTextForTTS("aaa bbb ccc", 7))
	assert.Equal(t, []string{"toolongword", "x"}, SplitTextForTTS("toolongword x", 5))

	long := strings.Repeat("word ", 200)
	for _, chunk := range SplitTextForTTS(long, DefaultTTSMaxChars) {
		assert.LessOrEqual(t, len(chunk), DefaultTTSMaxChars)
	}

	// limits are in characters: 41 five-rune words fit into 245 runes (735 bytes)
	korean := strings.TrimSpace(strings.Repeat("안녕하세요 ", 60))
	chunks := SplitTextForTTS(korean, DefaultTTSMaxChars)
	require.Len(t, chunks, 2)
	assert.Equal(t, 245, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 19*5+18, utf8.RuneCountInString(chunks[1]))
	assert.Equal(t, []string{"안녕 하세요", "반갑습니다"}, SplitTextForTTS("안녕 하세요 반갑습니다", 6))
}

func TestFormatSRTTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00,000", FormatSRTTimestamp(0))
	assert.Equal(t, "00:00:01,500", FormatSRTTimestamp(1.5))
	assert.Equal(t, "01:01:01,250", FormatSRTTimestamp(3661.25))
	assert.Equal(t, "00:00:00,000", FormatSRTTimestamp(-2))
}

func TestRenderSRT(t *testing.T) {
	got := RenderSRT([]Segment{
		{Start: 0, End: 1.5, Text: " Hello "},
		{Start: 1.5, End: 3, Text: "world"},
	})
	want := "1\n00:00:00,000 --> 00:00:01,500\nHello\n\n2\n00:00:01,500 --> 00:00:03,000\nworld\n\n"
	assert.Equal(t, want, got)
	assert.Empty(t, RenderSRT(nil))
}

func TestLayoutAndResultURL(t *testing.T) {
	l := NewLayout("/data/work", "/data/results", "abc123")
	assert.Equal(t, "/data/work/abc123/input_video.mp4", l.Video())
	assert.Equal(t, "/data/results/abc123/translated_video.mp4", l.OutputVideo())

	assert.Equal(t, "/results/abc123/translated_video.mp4", ResultURL("", "abc123"))
	assert.Equal(t, "/media/abc123/translated_video.mp4", ResultURL("/media", "abc123"))
	assert.Equal(t, "https://cdn.example.com/r/abc123/translated_video.mp4",
		ResultURL("https://cdn.example.com/r", "abc123"))
}
