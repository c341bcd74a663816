package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/dubbing-api/internal/domain/pipeline"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs   JobsService
	Stream EventStreamer
	// ResultsDir is served under /results. Empty disables the route.
	ResultsDir string
	// HealthChecks are run by /healthz, keyed by dependency name.
	HealthChecks map[string]HealthCheck
	CORSOrigins  []string
	Logger       *slog.Logger // optional
}

// NewRouter creates the API router wrapped in recovery, request logging and CORS.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs, Logger: logger})
	registerStreamRoutes(mux, &StreamHandlers{Svc: services.Stream, Logger: logger})
	if services.ResultsDir != "" {
		mux.HandleFunc("GET /results/{id}/"+pipeline.ResultFileName, NewResultHandlers(services.ResultsDir).Video)
	}
	health := healthHandler(services.HealthChecks, logger)
	mux.Handle("GET "+healthPath, health)
	mux.Handle("HEAD "+healthPath, health)

	return Chain(mux,
		Recover(logger),
		Logging(logger),
		CORS(services.CORSOrigins),
	)
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/retry", h.RetryJob)
}

func registerStreamRoutes(mux *http.ServeMux, h *StreamHandlers) {
	mux.HandleFunc("GET /stream/{id}", h.Stream)
}
