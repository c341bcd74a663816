package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
	"github.com/target/dubbing-api/internal/domain/pipeline"
)

func TestNew_SelectsProvider(t *testing.T) {
	s, err := New(config.TTSConfig{Provider: pipeline.TTSKindGTTS}, nil)
	require.NoError(t, err)
	assert.IsType(t, &GTTS{}, s)

	_, err = New(config.TTSConfig{Provider: pipeline.TTSKindElevenLabs}, nil)
	require.Error(t, err)

	s, err = New(config.TTSConfig{Provider: pipeline.TTSKindElevenLabs, ElevenLabsAPIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ElevenLabs{}, s)

	_, err = New(config.TTSConfig{Provider: "azure"}, nil)
	require.Error(t, err)
}

func TestGTTS_Synthesize(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/translate_tts", r.URL.Path)
		assert.Equal(t, "tw-ob", r.URL.Query().Get("client"))
		assert.Equal(t, "en", r.URL.Query().Get("tl"))
		seen = append(seen, r.URL.Query().Get("q"))
		_, _ = w.Write([]byte("[" + r.URL.Query().Get("q") + "]"))
	}))
	defer srv.Close()

	cfg := config.TTSConfig{Provider: pipeline.TTSKindGTTS, Language: "en", GTTSBaseURL: srv.URL}
	s, err := New(cfg, vendorhttp.NewClient(vendorhttp.Config{Vendor: "gtts"}))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "speech.mp3")
	require.NoError(t, s.Synthesize(context.Background(), []string{"hello", "world"}, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "[hello][world]", string(data))
	assert.Equal(t, []string{"hello", "world"}, seen)
}

func TestElevenLabs_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("xi-api-key"))
		assert.Equal(t, "audio/mpeg", r.Header.Get("Accept"))
		var body elevenLabsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.InDelta(t, 0.75, body.VoiceSettings.SimilarityBoost, 0.001)
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	cfg := config.TTSConfig{
		Provider:          pipeline.TTSKindElevenLabs,
		ElevenLabsAPIKey:  "key",
		ElevenLabsVoiceID: "voice-1",
		ElevenLabsModel:   "m",
		ElevenLabsBaseURL: srv.URL,
	}
	s, err := New(cfg, vendorhttp.NewClient(vendorhttp.Config{Vendor: "elevenlabs"}))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "speech.mp3")
	require.NoError(t, s.Synthesize(context.Background(), []string{"a"}, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "mp3", string(data))
}

type failingDoer struct{}

func (failingDoer) Do(context.Context, vendorhttp.Request) ([]byte, error) {
	return nil, errors.New("upstream unavailable")
}

func TestSynthesize_FailureLeavesNoOutput(t *testing.T) {
	s, err := New(config.TTSConfig{Provider: pipeline.TTSKindGTTS}, failingDoer{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "speech.mp3")
	err = s.Synthesize(context.Background(), []string{"a"}, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")

	assert.ErrorIs(t, s.Synthesize(context.Background(), nil, dest), ErrNoText)
}
