package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/service"
)

// EventStreamer relays one job's events to a sink until ctx ends.
type EventStreamer interface {
	Stream(ctx context.Context, jobID string, since *int64, sink service.StreamSink) error
}

// StreamHandlers serves job event streams as server-sent events.
type StreamHandlers struct {
	Svc    EventStreamer
	Logger *slog.Logger
}

// sseSink writes events in text/event-stream framing and flushes after every frame.
type sseSink struct {
	w  io.Writer
	rc *http.ResponseController
}

func (s *sseSink) Event(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) KeepAlive() error {
	if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Stream handles GET /stream/{id}. The optional ?since=N query or Last-Event-ID header replays
// buffered events newer than N before live ones.
func (h *StreamHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since, err := parseSince(r)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: err})
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would cut long-lived streams
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.Logger.DebugContext(r.Context(), "clear write deadline", "job_id", id, "error", err)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.Logger.WarnContext(r.Context(), "response does not support streaming", "job_id", id, "error", err)
		return
	}

	if err := h.Svc.Stream(r.Context(), id, since, &sseSink{w: w, rc: rc}); err != nil && r.Context().Err() == nil {
		// headers are already sent; the client sees the stream end
		h.Logger.WarnContext(r.Context(), "event stream ended", "job_id", id, "error", err)
	}
}
