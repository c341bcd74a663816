// Package slack posts job failure notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/target/dubbing-api/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix, when set, turns job ids into links (prefix + "/" + id).
	JobURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL   string
	channel      string
	username     string
	retryLimit   int
	jobURLPrefix string
	client       *http.Client
}

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "dubbing"
	}

	return &Client{
		webhookURL:   webhookURL,
		channel:      strings.TrimSpace(cfg.Channel),
		username:     username,
		retryLimit:   max(cfg.RetryLimit, 0),
		jobURLPrefix: strings.TrimSpace(cfg.JobURLPrefix),
		client:       hc,
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.Deliver(ctx, c.retryLimit, func(ctx context.Context) error {
		return c.post(ctx, body)
	})
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	return notify.ReadResponse("slack webhook", resp)
}

func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var text strings.Builder
	text.WriteString("*Translation job failed*")
	if job := c.formatJob(payload.JobID); job != "" {
		text.WriteString(" ")
		text.WriteString(job)
	}
	text.WriteByte('\n')

	attempts := ""
	if payload.Attempt > 0 {
		attempts = strconv.Itoa(payload.Attempt)
		if payload.MaxAttempts > 0 {
			attempts += "/" + strconv.Itoa(payload.MaxAttempts)
		}
	}
	severity := payload.Severity
	if severity == "" {
		severity = notify.SeverityCritical
	}
	for _, f := range []struct{ label, value string }{
		{"Severity", severity},
		{"Source", escape(payload.SourceURL)},
		{"Stage", payload.Stage},
		{"Attempts", attempts},
		{"Error class", payload.ErrorClass},
		{"Error", escape(payload.Error)},
	} {
		appendField(&text, f.label, f.value)
	}
	appendMetadata(&text, payload.Metadata)
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

// formatJob renders the job id, linked when a job URL prefix is configured.
func (c *Client) formatJob(jobID string) string {
	id := escape(strings.TrimSpace(jobID))
	if id == "" {
		return ""
	}
	if c.jobURLPrefix == "" {
		return "`" + id + "`"
	}
	u, err := url.Parse(c.jobURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "`" + id + "`"
	}
	link, err := url.JoinPath(u.String(), jobID)
	if err != nil {
		return "`" + id + "`"
	}
	return fmt.Sprintf("<%s|%s>", link, id)
}

func escape(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func appendMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	text.WriteString("• Metadata:\n")
	for _, k := range keys {
		text.WriteString("    • ")
		text.WriteString(k)
		text.WriteString(": ")
		text.WriteString(metadata[k])
		text.WriteByte('\n')
	}
}
