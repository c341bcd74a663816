package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/internal/domain/model"
)

func (f *apiFixture) expectEnqueue() {
	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *model.CreateTaskRequest) (*model.Task, bool, error) {
			return &model.Task{ID: req.ID, Type: req.Type, Status: model.TaskStatusPending, Payload: req.Payload}, true, nil
		})
}

func terminalTask(id string, status model.TaskStatus) *model.Task {
	raw, _ := json.Marshal(model.TranslateVideoPayload{SourceURL: testSource})
	return &model.Task{ID: id, Type: model.TaskTypeTranslateVideo, Status: status, Payload: raw, MaxRetries: 3}
}

func TestCreateJob_YouTubeURL(t *testing.T) {
	f := newAPIFixture(t)
	f.expectEnqueue()

	w := f.do(t, http.MethodPost, "/jobs", map[string]any{"youtubeUrl": testSource})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decodeBody[map[string]string](t, w)
	assert.Equal(t, map[string]string{"jobId": "abc123"}, resp)

	st, err := f.store.GetState(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, st.Status)
	assert.Equal(t, testSource, st.SourceURL)
}

func TestCreateJob_SourceURLAndOptions(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *model.CreateTaskRequest) (*model.Task, bool, error) {
			var payload model.TranslateVideoPayload
			require.NoError(t, json.Unmarshal(req.Payload, &payload))
			assert.Equal(t, "https://cdn.example.com/talk.mp4", payload.SourceURL)
			assert.Equal(t, "wav2lip", payload.Options["lipsync"])
			return &model.Task{ID: req.ID, Type: req.Type, Status: model.TaskStatusPending}, true, nil
		})

	w := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"sourceUrl": "https://cdn.example.com/talk.mp4",
		"options":   map[string]any{"lipsync": "wav2lip"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCreateJob_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		errCode string
	}{
		{"unknown field", `{"youtubeUrl":"` + testSource + `","priority":9}`, "invalid_json"},
		{"malformed json", `{"youtubeUrl":`, "invalid_json"},
		{"missing url", `{}`, "validation"},
		{"not http", `{"youtubeUrl":"ftp://example.com/a.mp4"}`, "validation"},
		{"conflicting urls", `{"youtubeUrl":"` + testSource + `","sourceUrl":"https://example.com/b.mp4"}`, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			w := f.do(t, http.MethodPost, "/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decodeBody[map[string]string](t, w)
			assert.Equal(t, tt.errCode, resp["error"])
			assert.NotEmpty(t, resp["message"])
		})
	}
}

func TestCreateJob_EnqueueFailureIsInternal(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("pq: too many connections"))

	w := f.do(t, http.MethodPost, "/jobs", map[string]any{"youtubeUrl": testSource})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeBody[map[string]string](t, w)
	assert.Equal(t, "internal", resp["error"])
	assert.Equal(t, "internal error", resp["message"])

	st, err := f.store.GetState(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, st.Status)
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateJob(ctx, "abc123", testSource))
	for i := range 5 {
		require.NoError(t, f.store.AppendLog(ctx, "abc123", fmt.Sprintf("line %d", i)))
	}

	w := f.do(t, http.MethodGet, "/jobs/abc123?logs=2", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[map[string]any](t, w)
	assert.Equal(t, "abc123", resp["id"])
	assert.Equal(t, "QUEUED", resp["status"])
	assert.InDelta(t, 0, resp["progress"], 0)
	assert.Equal(t, testSource, resp["sourceUrl"])
	assert.Equal(t, []any{"line 3", "line 4"}, resp["logs"])
	assert.NotContains(t, resp, "resultUrl")
	assert.NotContains(t, resp, "error")
}

func TestGetJob_EmptyLogsIsArray(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateJob(context.Background(), "abc123", testSource))

	w := f.do(t, http.MethodGet, "/jobs/abc123?logs=bogus", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"logs":[]`)
}

func TestGetJob_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody[map[string]string](t, w)["error"])
}

func TestRetryJob(t *testing.T) {
	f := newAPIFixture(t)
	f.repo.EXPECT().Resubmit(gomock.Any(), "abc123", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, beforeCommit func(*model.Task) error) (*model.Task, error) {
			task := terminalTask("abc123", model.TaskStatusPending)
			if err := beforeCommit(task); err != nil {
				return nil, err
			}
			return task, nil
		})

	w := f.do(t, http.MethodPost, "/jobs/abc123/retry", nil)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, map[string]string{"jobId": "abc123", "status": "QUEUED"}, decodeBody[map[string]string](t, w))
	st, err := f.store.GetState(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, st.Status)
}

func TestRetryJob_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown job", model.ErrTaskNotFound, http.StatusNotFound, "not_found"},
		{"still active", model.ErrTaskActive, http.StatusConflict, "conflict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.repo.EXPECT().Resubmit(gomock.Any(), "abc123", gomock.Any()).Return(nil, tt.err)

			w := f.do(t, http.MethodPost, "/jobs/abc123/retry", nil)

			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeBody[map[string]string](t, w)["error"])
		})
	}
}

func TestJobRoutes_MethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodDelete, "/jobs/abc123", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
