package lipsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/adapters/media"
	"github.com/target/dubbing-api/internal/adapters/vendorhttp"
)

// Sync API generation states.
const (
	syncStatusCompleted = "COMPLETED"
	syncStatusFailed    = "FAILED"
)

// SyncAPI runs Wav2Lip through a Sync-style hosted lip-sync API. The API fetches its inputs by
// URL, so the face video and audio are first published under the job's results directory.
type SyncAPI struct {
	cfg    config.LipSyncConfig
	public publisher
	client Doer
}

// NewSyncAPI creates a hosted Wav2Lip generator.
func NewSyncAPI(cfg config.PipelineConfig, client Doer) *SyncAPI {
	return &SyncAPI{
		cfg: cfg.LipSync,
		public: publisher{
			resultsDir: cfg.ResultsDir(),
			baseURL:    publicResultsURL(cfg.PublicBaseURL, cfg.ResultsBaseURL),
		},
		client: client,
	}
}

type syncInput struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type syncCreateRequest struct {
	Input          []syncInput       `json:"input"`
	Model          string            `json:"model"`
	Options        map[string]string `json:"options"`
	OutputFileName string            `json:"outputFileName"`
}

type syncGeneration struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl"`
	// Older API revisions use snake case and nest the payload under data.
	OutputURLSnake string          `json:"output_url"`
	Data           *syncGeneration `json:"data,omitempty"`
}

func (g syncGeneration) flatten() syncGeneration {
	out := g
	if g.Data != nil {
		d := g.Data.flatten()
		out.ID = firstNonEmpty(out.ID, d.ID)
		out.Status = firstNonEmpty(out.Status, d.Status)
		out.OutputURL = firstNonEmpty(out.OutputURL, d.OutputURL)
	}
	out.OutputURL = firstNonEmpty(out.OutputURL, out.OutputURLSnake)
	return out
}

func (s *SyncAPI) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.cfg.SyncAPIKey}
}

// Generate submits a generation, polls it until it finishes and downloads the output to req.Dest.
func (s *SyncAPI) Generate(ctx context.Context, req Request) error {
	if s.cfg.SyncAPIKey == "" {
		return errors.New("SYNC_API_KEY is required to use the Wav2Lip API")
	}
	videoURL, err := s.public.publish(req.JobID, req.Reference, "lipsync_face"+filepath.Ext(req.Reference))
	if err != nil {
		return err
	}
	audioURL, err := s.public.publish(req.JobID, req.Audio, "lipsync_audio"+filepath.Ext(req.Audio))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var created syncGeneration
	if err := s.client.DoJSON(ctx, vendorhttp.Request{
		Method:  http.MethodPost,
		URL:     s.cfg.SyncBaseURL + "/generations",
		Headers: s.authHeaders(),
		JSON: syncCreateRequest{
			Input:          []syncInput{{Type: "video", URL: videoURL}, {Type: "audio", URL: audioURL}},
			Model:          s.cfg.SyncModel,
			Options:        map[string]string{"sync_mode": "cut_off"},
			OutputFileName: "auto_video",
		},
	}, &created); err != nil {
		return fmt.Errorf("sync api create: %w", err)
	}
	genID := created.flatten().ID
	if genID == "" {
		return errors.New("sync api: missing generation id in response")
	}

	outputURL, err := s.poll(ctx, genID)
	if err != nil {
		return err
	}

	data, err := s.client.Do(ctx, vendorhttp.Request{Method: http.MethodGet, URL: outputURL})
	if err != nil {
		return fmt.Errorf("sync api download: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(req.Dest, data, 0o644); err != nil {
		return fmt.Errorf("write sync api output: %w", err)
	}
	return nil
}

func (s *SyncAPI) poll(ctx context.Context, genID string) (string, error) {
	ticker := time.NewTicker(s.cfg.SyncPollInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("sync api generation timed out (status=%s): %w", last, ctx.Err())
		case <-ticker.C:
		}
		var g syncGeneration
		if err := s.client.DoJSON(ctx, vendorhttp.Request{
			Method:  http.MethodGet,
			URL:     s.cfg.SyncBaseURL + "/generations/" + url.PathEscape(genID),
			Headers: s.authHeaders(),
		}, &g); err != nil {
			return "", fmt.Errorf("sync api poll: %w", err)
		}
		g = g.flatten()
		last = g.Status
		switch g.Status {
		case syncStatusCompleted:
			if g.OutputURL == "" {
				return "", errors.New("sync api: generation completed without an output url")
			}
			return g.OutputURL, nil
		case syncStatusFailed:
			return "", fmt.Errorf("sync api generation failed (id=%s)", genID)
		}
	}
}

// publisher copies files into a job's results directory and returns their public URLs.
type publisher struct {
	resultsDir string
	baseURL    string
}

func (p publisher) publish(jobID, src, name string) (string, error) {
	if p.baseURL == "" {
		return "", errors.New("PUBLIC_BASE_URL is required so the lip-sync API can fetch job media")
	}
	if err := media.CopyFile(src, filepath.Join(p.resultsDir, jobID, name)); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	u.Path = path.Join(u.Path, jobID, name)
	return u.String(), nil
}

// publicResultsURL resolves the absolute URL under which the results tree is served.
func publicResultsURL(publicBase, resultsBase string) string {
	if u, err := url.Parse(resultsBase); err == nil && u.Scheme != "" {
		return resultsBase
	}
	if publicBase == "" {
		return ""
	}
	return publicBase + "/" + path.Clean("/" + resultsBase)[1:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
