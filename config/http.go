package config

import (
	"strings"
	"time"
)

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// CORSOrigins is a comma-separated list of origins allowed to call the API from a browser.
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000"`

	// SourceDomains limits POST /jobs to sources under these registrable domains. Empty allows any.
	SourceDomains []string `env:"SOURCE_DOMAINS"`

	// StreamPollInterval bounds how long the event stream waits for a message before yielding.
	StreamPollInterval time.Duration `env:"HTTP_STREAM_POLL_INTERVAL" envDefault:"1s"`

	// StreamKeepAlive is the interval between SSE comment frames on an idle stream.
	StreamKeepAlive time.Duration `env:"HTTP_STREAM_KEEPALIVE" envDefault:"15s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	origins := h.CORSOrigins[:0]
	for _, o := range h.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	h.CORSOrigins = origins

	if h.StreamPollInterval <= 0 {
		h.StreamPollInterval = time.Second
	}
	if h.StreamKeepAlive < time.Second {
		h.StreamKeepAlive = time.Second
	}
}
