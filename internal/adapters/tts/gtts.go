package tts

import (
	"context"
	"net/http"
	"net/url"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
)

// GTTS synthesizes through the Google Translate translate_tts endpoint.
type GTTS struct {
	cfg    config.TTSConfig
	client Doer
}

func (g *GTTS) chunkURL(chunk string) string {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", chunk)
	q.Set("tl", g.cfg.Language)
	q.Set("client", "tw-ob")
	return g.cfg.GTTSBaseURL + "/translate_tts?" + q.Encode()
}

// Synthesize writes the concatenated speech of chunks to dest.
func (g *GTTS) Synthesize(ctx context.Context, chunks []string, dest string) error {
	return synthesizeChunks(ctx, chunks, dest, func(ctx context.Context, chunk string) ([]byte, error) {
		return g.client.Do(ctx, vendorhttp.Request{
			Method:  http.MethodGet,
			URL:     g.chunkURL(chunk),
			Headers: map[string]string{"User-Agent": "Mozilla/5.0"},
		})
	})
}
