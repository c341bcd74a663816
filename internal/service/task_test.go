package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/mocks"
	"github.com/target/dubbing-api/internal/observability/notify"
	"github.com/target/dubbing-api/internal/service/failurenotifier"
)

// capturingSink collects failure notifications.
type capturingSink struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (c *capturingSink) SendJobFailure(_ context.Context, p notify.JobFailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *capturingSink) Payloads() []notify.JobFailurePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), c.payloads...)
}

func newCapturingNotifier() (*failurenotifier.Service, *capturingSink) {
	sink := &capturingSink{}
	return failurenotifier.NewService(failurenotifier.Options{
		Logger: discardLogger(),
		Sinks:  []failurenotifier.SinkRegistration{{Name: "capture", Sink: sink}},
	}), sink
}

func translateTask(id string, retryCount int) *model.Task {
	raw, _ := json.Marshal(model.TranslateVideoPayload{SourceURL: testSource})
	return &model.Task{
		ID:         id,
		Type:       model.TaskTypeTranslateVideo,
		Status:     model.TaskStatusRunning,
		Payload:    raw,
		RetryCount: retryCount,
		MaxRetries: model.DefaultMaxAttempts,
	}
}

func TestNewTaskService_Validation(t *testing.T) {
	_, err := NewTaskService(TaskServiceOptions{})
	require.Error(t, err)

	ctrl := gomock.NewController(t)
	_, err = NewTaskService(TaskServiceOptions{Repo: mocks.NewMockTaskRepository(ctrl), Notifier: &stubNotifier{}})
	require.ErrorContains(t, err, "lease policy")
}

func TestTaskService_Defaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, _ := newTestTaskService(t, mocks.NewMockTaskRepository(ctrl), nil)
	assert.Equal(t, model.DefaultMaxAttempts, svc.MaxAttempts())
	assert.Equal(t, 30*time.Second, svc.DefaultLease())
}

func TestTaskService_EnqueueTranslation(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, notifier := newTestTaskService(t, repo, nil)
	ctx := context.Background()

	repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *model.CreateTaskRequest) (*model.Task, bool, error) {
			assert.Equal(t, "job1", req.ID)
			assert.Equal(t, model.TaskTypeTranslateVideo, req.Type)
			assert.Equal(t, model.DefaultMaxAttempts, req.MaxRetries)
			assert.JSONEq(t, `{"source_url":"`+testSource+`"}`, string(req.Payload))
			return &model.Task{ID: req.ID, Type: req.Type, Status: model.TaskStatusPending}, true, nil
		})

	task, created, err := svc.EnqueueTranslation(ctx, "job1", model.TranslateVideoPayload{SourceURL: testSource})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job1", task.ID)
	assert.Equal(t, []model.TaskType{model.TaskTypeTranslateVideo}, notifier.Notified())
}

func TestTaskService_EnqueueTranslationDuplicateDoesNotNotify(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, notifier := newTestTaskService(t, repo, nil)

	repo.EXPECT().Create(gomock.Any(), gomock.Any()).
		Return(&model.Task{ID: "job1", Status: model.TaskStatusRunning}, false, nil)

	_, created, err := svc.EnqueueTranslation(context.Background(), "job1", model.TranslateVideoPayload{SourceURL: testSource})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, notifier.Notified())
}

func TestTaskService_EnqueueTranslationError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo, nil)

	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil, false, errBoom)
	_, _, err := svc.EnqueueTranslation(context.Background(), "job1", model.TranslateVideoPayload{SourceURL: testSource})
	require.ErrorIs(t, err, errBoom)
}

func TestTaskService_ReserveNextUsesLeaseSeconds(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo, nil)
	ctx := context.Background()

	repo.EXPECT().ReserveNext(gomock.Any(), model.TaskTypeTranslateVideo, 30).Return(translateTask("job1", 0), nil)
	repo.EXPECT().ReserveNext(gomock.Any(), model.TaskTypeTranslateVideo, 90).Return(nil, nil)

	task, err := svc.ReserveNext(ctx, model.TaskTypeTranslateVideo, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.Attempt())

	task, err = svc.ReserveNext(ctx, model.TaskTypeTranslateVideo, 90*time.Second)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestTaskService_FailRetryable(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	notifierSvc, sink := newCapturingNotifier()
	svc, _ := newTestTaskService(t, repo, func(o *TaskServiceOptions) { o.FailureNotifier = notifierSvc })

	next := time.Now().Add(2 * time.Second)
	repo.EXPECT().Fail(gomock.Any(), "job1", "tts: boom").
		Return(&model.TaskFailure{Status: model.TaskStatusPending, RetryCount: 1, NextAttemptAt: &next}, nil)

	failure, err := svc.Fail(context.Background(), translateTask("job1", 0),
		&StageError{Stage: StageSynthesize, Err: errBoom}, TaskFailureDetails{Stage: StageSynthesize})
	require.NoError(t, err)
	assert.False(t, failure.Final())
	assert.Empty(t, sink.Payloads())
}

func TestTaskService_FailFinalNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	notifierSvc, sink := newCapturingNotifier()
	svc, _ := newTestTaskService(t, repo, func(o *TaskServiceOptions) { o.FailureNotifier = notifierSvc })

	repo.EXPECT().Fail(gomock.Any(), "job1", gomock.Any()).
		Return(&model.TaskFailure{Status: model.TaskStatusFailed, RetryCount: 3}, nil)

	cause := &StageError{Stage: StageSynthesize, Err: context.DeadlineExceeded}
	failure, err := svc.Fail(context.Background(), translateTask("job1", 2), cause, TaskFailureDetails{
		SourceURL: testSource,
		Stage:     StageSynthesize,
		Metadata:  map[string]string{"worker_id": "w1", "empty": ""},
	})
	require.NoError(t, err)
	assert.True(t, failure.Final())

	payloads := sink.Payloads()
	require.Len(t, payloads, 1)
	p := payloads[0]
	assert.Equal(t, "job1", p.JobID)
	assert.Equal(t, string(model.TaskTypeTranslateVideo), p.TaskType)
	assert.Equal(t, testSource, p.SourceURL)
	assert.Equal(t, StageSynthesize, p.Stage)
	assert.Equal(t, 3, p.Attempt)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, "timeout", p.ErrorClass)
	assert.Equal(t, notify.SeverityCritical, p.Severity)
	assert.Equal(t, "3", p.Metadata["retry_count"])
	assert.Equal(t, "failed", p.Metadata["task_status"])
	assert.Equal(t, "w1", p.Metadata["worker_id"])
	assert.NotContains(t, p.Metadata, "empty")
}

func TestTaskService_FailNotRunningIsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo, nil)

	repo.EXPECT().Fail(gomock.Any(), "job1", gomock.Any()).Return(nil, nil)
	failure, err := svc.Fail(context.Background(), translateTask("job1", 0), errBoom, TaskFailureDetails{})
	require.NoError(t, err)
	assert.Nil(t, failure)
}

func TestTaskService_FailRequiresArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, _ := newTestTaskService(t, mocks.NewMockTaskRepository(ctrl), nil)

	_, err := svc.Fail(context.Background(), nil, errBoom, TaskFailureDetails{})
	require.Error(t, err)
	_, err = svc.Fail(context.Background(), translateTask("job1", 0), nil, TaskFailureDetails{})
	require.Error(t, err)
}

func TestTaskService_ResubmitNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, notifier := newTestTaskService(t, repo, nil)

	repo.EXPECT().Resubmit(gomock.Any(), "job1", gomock.Any()).
		Return(&model.Task{ID: "job1", Type: model.TaskTypeTranslateVideo, Status: model.TaskStatusPending}, nil)
	task, err := svc.Resubmit(context.Background(), "job1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Len(t, notifier.Notified(), 1)

	repo.EXPECT().Resubmit(gomock.Any(), "job2", gomock.Any()).Return(nil, model.ErrTaskActive)
	_, err = svc.Resubmit(context.Background(), "job2", nil)
	require.ErrorIs(t, err, model.ErrTaskActive)
	assert.Len(t, notifier.Notified(), 1)
}

func TestTaskService_LeaseTransitions(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo, nil)
	ctx := context.Background()

	repo.EXPECT().Heartbeat(gomock.Any(), "job1", 30).Return(true, nil)
	repo.EXPECT().Complete(gomock.Any(), "job1").Return(true, nil)
	repo.EXPECT().Reschedule(gomock.Any(), "job2", 5*time.Second).Return(false, nil)
	repo.EXPECT().Heartbeat(gomock.Any(), "job3", 1).Return(false, errors.New("conn reset"))

	ok, err := svc.Heartbeat(ctx, "job1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Complete(ctx, "job1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Reschedule(ctx, "job2", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Heartbeat(ctx, "job3", 200*time.Millisecond)
	require.ErrorContains(t, err, "conn reset")
}

func TestTaskService_ListClampsLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	svc, _ := newTestTaskService(t, repo, nil)

	repo.EXPECT().List(gomock.Any(), &model.TaskListOptions{Limit: 50}).Return([]*model.Task{}, nil)
	_, err := svc.List(context.Background(), nil)
	require.NoError(t, err)

	repo.EXPECT().List(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, opts *model.TaskListOptions) ([]*model.Task, error) {
			assert.Equal(t, 50, opts.Limit)
			assert.Equal(t, 0, opts.Offset)
			return nil, nil
		})
	_, err = svc.List(context.Background(), &model.TaskListOptions{Limit: 5000, Offset: -3})
	require.NoError(t, err)
}

func TestTaskService_StopAllListeners(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, notifier := newTestTaskService(t, mocks.NewMockTaskRepository(ctrl), nil)
	svc.StopAllListeners()
	assert.True(t, notifier.stopped)
}
