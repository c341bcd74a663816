// Package httpx provides the HTTP API of the dubbing service: job submission, status,
// retry, live event streams and result downloads.
package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/service"
)

// maxLogLimit matches the number of log lines the state store retains per job.
const maxLogLimit = 500

// JobsService is the job API the handlers depend on.
type JobsService interface {
	Submit(ctx context.Context, req *model.CreateJobRequest) (string, error)
	Get(ctx context.Context, id string, logLimit int) (*service.JobDetails, error)
	Retry(ctx context.Context, id string) error
}

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc    JobsService
	Logger *slog.Logger
}

// createJobBody accepts the source under either name; youtubeUrl is what existing clients send.
type createJobBody struct {
	YouTubeURL string         `json:"youtubeUrl"`
	SourceURL  string         `json:"sourceUrl"`
	Options    map[string]any `json:"options"`
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

type retryJobResponse struct {
	JobID  string          `json:"jobId"`
	Status model.JobStatus `json:"status"`
}

// jobResponse is the job snapshot plus its most recent log lines.
type jobResponse struct {
	*model.JobState
	Logs []string `json:"logs"`
}

// CreateJob handles POST /jobs.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if !DecodeJSON(w, r, &body) {
		return
	}

	source := strings.TrimSpace(body.SourceURL)
	if yt := strings.TrimSpace(body.YouTubeURL); yt != "" {
		if source != "" && source != yt {
			writeServiceError(w, r, h.Logger, &service.ValidationError{Msg: "youtubeUrl and sourceUrl differ; send one"})
			return
		}
		source = yt
	}

	id, err := h.Svc.Submit(r.Context(), &model.CreateJobRequest{SourceURL: source, Options: body.Options})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, createJobResponse{JobID: id})
}

// GetJob handles GET /jobs/{id}.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	details, err := h.Svc.Get(r.Context(), id, parseLogLimit(r, service.DefaultLogLimit, maxLogLimit))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	logs := details.Logs
	if logs == nil {
		logs = []string{}
	}
	WriteJSON(w, http.StatusOK, jobResponse{JobState: details.State, Logs: logs})
}

// RetryJob handles POST /jobs/{id}/retry. Jobs that are still queued or running give 409.
func (h *JobHandlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Svc.Retry(r.Context(), id); err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, retryJobResponse{JobID: id, Status: model.JobStatusQueued})
}
