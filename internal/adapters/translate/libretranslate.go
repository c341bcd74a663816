// Package translate translates transcript text through a LibreTranslate-compatible API.
package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
)

// Doer is the subset of vendorhttp.Client the translator needs.
type Doer interface {
	DoJSON(ctx context.Context, req vendorhttp.Request, dest any) error
}

// Translator calls POST {url}/translate. A translator without a URL returns text unchanged.
type Translator struct {
	cfg    config.TranslatorConfig
	client Doer
}

// New creates a Translator. client may be nil when cfg has no URL.
func New(cfg config.TranslatorConfig, client Doer) *Translator {
	return &Translator{cfg: cfg, client: client}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

// Enabled reports whether text is sent to a remote translator.
func (t *Translator) Enabled() bool { return t.cfg.Enabled() && t.client != nil }

// Translate translates text into the target language.
func (t *Translator) Translate(ctx context.Context, text string) (string, error) {
	if !t.Enabled() || strings.TrimSpace(text) == "" {
		return text, nil
	}
	var out translateResponse
	err := t.client.DoJSON(ctx, vendorhttp.Request{
		Method: http.MethodPost,
		URL:    t.cfg.URL + "/translate",
		JSON: translateRequest{
			Q:      text,
			Source: t.cfg.SourceLanguage,
			Target: t.cfg.TargetLanguage,
			Format: "text",
			APIKey: t.cfg.APIKey,
		},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("translate: %s", out.Error)
	}
	if strings.TrimSpace(out.TranslatedText) == "" {
		return "", errors.New("translate: empty translation")
	}
	return out.TranslatedText, nil
}
