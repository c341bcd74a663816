package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/mocks"
	"github.com/target/dubbing-api/internal/mocks/statestore"
	"github.com/target/dubbing-api/internal/service"
)

const testSource = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type quietNotifier struct{}

func (quietNotifier) Subscribe(model.TaskType) (func(), <-chan struct{}) {
	return func() {}, make(chan struct{})
}
func (quietNotifier) Notify(model.TaskType) {}
func (quietNotifier) StopAll()              {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	repo       *mocks.MockTaskRepository
	store      *statestore.MemoryStateStore
	resultsDir string
	dbErr      error
	handler    http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		repo:       mocks.NewMockTaskRepository(gomock.NewController(t)),
		store:      statestore.NewMemoryStateStore(),
		resultsDir: t.TempDir(),
	}

	tasks, err := service.NewTaskService(service.TaskServiceOptions{
		Repo:         f.repo,
		DefaultLease: 30 * time.Second,
		Notifier:     quietNotifier{},
		Logger:       discardLogger(),
	})
	require.NoError(t, err)
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Store:  f.store,
		Tasks:  tasks,
		NewID:  func() string { return "abc123" },
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	stream, err := service.NewStreamService(service.StreamServiceOptions{
		Store:        f.store,
		PollInterval: 10 * time.Millisecond,
		KeepAlive:    20 * time.Millisecond,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	f.handler = NewRouter(RouterServices{
		Jobs:       jobs,
		Stream:     stream,
		ResultsDir: f.resultsDir,
		HealthChecks: map[string]HealthCheck{
			"redis": f.store.Ping,
			"db":    func(context.Context) error { return f.dbErr },
		},
		CORSOrigins: []string{"http://localhost:3000"},
		Logger:      discardLogger(),
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

var errDBDown = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
