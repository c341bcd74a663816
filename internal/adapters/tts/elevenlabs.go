package tts

import (
	"context"
	"net/http"
	"net/url"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
)

// ElevenLabs synthesizes through the ElevenLabs text-to-speech API.
type ElevenLabs struct {
	cfg    config.TTSConfig
	client Doer
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize writes the concatenated speech of chunks to dest.
func (e *ElevenLabs) Synthesize(ctx context.Context, chunks []string, dest string) error {
	endpoint := e.cfg.ElevenLabsBaseURL + "/v1/text-to-speech/" + url.PathEscape(e.cfg.ElevenLabsVoiceID)
	return synthesizeChunks(ctx, chunks, dest, func(ctx context.Context, chunk string) ([]byte, error) {
		return e.client.Do(ctx, vendorhttp.Request{
			Method: http.MethodPost,
			URL:    endpoint,
			Headers: map[string]string{
				"xi-api-key": e.cfg.ElevenLabsAPIKey,
				"Accept":     "audio/mpeg",
			},
			JSON: elevenLabsRequest{
				Text:          chunk,
				ModelID:       e.cfg.ElevenLabsModel,
				VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
			},
		})
	})
}
