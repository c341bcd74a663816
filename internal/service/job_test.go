package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/mocks"
	"github.com/target/dubbing-api/internal/mocks/statestore"
)

type jobFixture struct {
	svc      *JobService
	repo     *mocks.MockTaskRepository
	store    *statestore.MemoryStateStore
	notifier *stubNotifier
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	tasks, notifier := newTestTaskService(t, repo, nil)
	store := statestore.NewMemoryStateStore()
	svc, err := NewJobService(JobServiceOptions{
		Store:  store,
		Tasks:  tasks,
		NewID:  func() string { return "abc123" },
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	return &jobFixture{svc: svc, repo: repo, store: store, notifier: notifier}
}

func finishedTask(id string, status model.TaskStatus) *model.Task {
	raw, _ := json.Marshal(model.TranslateVideoPayload{SourceURL: testSource})
	return &model.Task{ID: id, Type: model.TaskTypeTranslateVideo, Status: status, Payload: raw, RetryCount: 2, MaxRetries: 3}
}

func TestNewJobService_Validation(t *testing.T) {
	_, err := NewJobService(JobServiceOptions{})
	require.Error(t, err)
	_, err = NewJobService(JobServiceOptions{Store: statestore.NewMemoryStateStore()})
	require.Error(t, err)
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	assert.Len(t, id, 32)
	assert.Regexp(t, `^[0-9a-f]{32}$`, id)
	assert.NotEqual(t, id, NewJobID())
}

func TestJobService_Submit(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *model.CreateTaskRequest) (*model.Task, bool, error) {
			assert.Equal(t, "abc123", req.ID)
			return &model.Task{ID: req.ID, Type: req.Type, Status: model.TaskStatusPending}, true, nil
		})

	id, err := f.svc.Submit(ctx, &model.CreateJobRequest{SourceURL: "  " + testSource + " "})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	details, err := f.svc.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, details.State.Status)
	assert.Equal(t, 0, details.State.Progress)
	assert.Equal(t, testSource, details.State.SourceURL)
	assert.Empty(t, details.Logs)
	assert.Len(t, f.notifier.Notified(), 1)
}

func TestJobService_SubmitRejectsInvalidRequest(t *testing.T) {
	f := newJobFixture(t)

	for _, req := range []*model.CreateJobRequest{
		nil,
		{SourceURL: ""},
		{SourceURL: "ftp://example.com/video"},
		{SourceURL: "not a url"},
	} {
		_, err := f.svc.Submit(context.Background(), req)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}

	_, err := f.store.GetState(context.Background(), "abc123")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestJobService_SubmitEnforcesSourcePolicy(t *testing.T) {
	f := newJobFixture(t)
	policy, err := NewSourcePolicy([]string{"youtube.com"})
	require.NoError(t, err)
	f.svc.policy = policy

	_, err = f.svc.Submit(context.Background(), &model.CreateJobRequest{SourceURL: "https://videos.example.net/a.mp4"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "not allowed")

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(
		&model.Task{ID: "abc123", Type: model.TaskTypeTranslateVideo, Status: model.TaskStatusPending}, true, nil)
	_, err = f.svc.Submit(context.Background(), &model.CreateJobRequest{SourceURL: testSource})
	require.NoError(t, err)
}

func TestJobService_SubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("connection refused"))

	_, err := f.svc.Submit(ctx, &model.CreateJobRequest{SourceURL: testSource})
	require.ErrorContains(t, err, "connection refused")

	st, getErr := f.store.GetState(ctx, "abc123")
	require.NoError(t, getErr)
	assert.Equal(t, model.JobStatusFailed, st.Status)
	assert.Contains(t, st.Error, "enqueue failed")
}

func TestJobService_GetUnknown(t *testing.T) {
	f := newJobFixture(t)
	_, err := f.svc.Get(context.Background(), "missing", 10)
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestJobService_GetLimitsLogs(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateJob(ctx, "job1", testSource))
	for _, line := range []string{"a", "b", "c"} {
		require.NoError(t, f.store.AppendLog(ctx, "job1", line))
	}

	details, err := f.svc.Get(ctx, "job1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, details.Logs)
}

// resubmitWith runs the reset hook against task the way the repository does once the task
// was found terminal.
func resubmitWith(task *model.Task) func(context.Context, string, func(*model.Task) error) (*model.Task, error) {
	return func(_ context.Context, _ string, beforeCommit func(*model.Task) error) (*model.Task, error) {
		if err := beforeCommit(task); err != nil {
			return nil, err
		}
		return task, nil
	}
}

func TestJobService_Retry(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateJob(ctx, "job1", testSource))
	msg := "tts: boom"
	require.NoError(t, f.store.SetStatus(ctx, "job1", model.StatusUpdate{
		Status: model.JobStatusFailed, Progress: intPtr(0), Error: &msg, Checkpoint: intPtr(55),
	}))

	f.repo.EXPECT().Resubmit(gomock.Any(), "job1", gomock.Any()).
		DoAndReturn(resubmitWith(finishedTask("job1", model.TaskStatusPending)))

	require.NoError(t, f.svc.Retry(ctx, "job1"))

	st, err := f.store.GetState(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, st.Status)
	assert.Empty(t, st.Error)
	assert.Nil(t, st.Checkpoint)
	assert.Equal(t, testSource, st.SourceURL)
	assert.Contains(t, f.store.Logs("job1"), "Job resubmitted")
}

func TestJobService_RetryErrors(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	f.repo.EXPECT().Resubmit(gomock.Any(), "missing", gomock.Any()).Return(nil, model.ErrTaskNotFound)
	require.ErrorIs(t, f.svc.Retry(ctx, "missing"), model.ErrJobNotFound)

	f.repo.EXPECT().Resubmit(gomock.Any(), "busy", gomock.Any()).Return(nil, model.ErrTaskActive)
	require.ErrorIs(t, f.svc.Retry(ctx, "busy"), model.ErrTaskActive)
}

func TestJobService_RetryLosingRaceKeepsRunningState(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// another retry already requeued the task and a worker picked it up
	require.NoError(t, f.store.CreateJob(ctx, "job1", testSource))
	require.NoError(t, f.store.SetStatus(ctx, "job1", model.StatusUpdate{
		Status: model.JobStatusRunning, Progress: intPtr(10),
	}))
	require.NoError(t, f.store.AppendLog(ctx, "job1", "Downloading video"))

	f.repo.EXPECT().Resubmit(gomock.Any(), "job1", gomock.Any()).Return(nil, model.ErrTaskActive)
	require.ErrorIs(t, f.svc.Retry(ctx, "job1"), model.ErrTaskActive)

	st, err := f.store.GetState(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, st.Status)
	assert.Equal(t, 10, st.Progress)
	assert.Equal(t, []string{"Downloading video"}, f.store.Logs("job1"))
}

func TestJobService_RetryResetFailureAbortsResubmit(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	broken := finishedTask("job1", model.TaskStatusPending)
	broken.Payload = []byte("{")
	f.repo.EXPECT().Resubmit(gomock.Any(), "job1", gomock.Any()).DoAndReturn(resubmitWith(broken))

	require.Error(t, f.svc.Retry(ctx, "job1"))
	_, err := f.store.GetState(ctx, "job1")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestJobService_Purge(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateJob(ctx, "job1", testSource))
	require.NoError(t, f.store.CreateJob(ctx, "job2", testSource))

	f.repo.EXPECT().Delete(gomock.Any(), "job1").Return(nil)
	require.NoError(t, f.svc.Purge(ctx, "job1"))
	_, err := f.store.GetState(ctx, "job1")
	require.ErrorIs(t, err, model.ErrJobNotFound)

	f.repo.EXPECT().Delete(gomock.Any(), "job2").Return(model.ErrTaskNotFound)
	require.NoError(t, f.svc.Purge(ctx, "job2"))

	f.repo.EXPECT().Delete(gomock.Any(), "job3").Return(model.ErrTaskActive)
	require.ErrorIs(t, f.svc.Purge(ctx, "job3"), model.ErrTaskActive)
}
