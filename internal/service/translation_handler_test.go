package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/mocks"
	"github.com/target/dubbing-api/internal/mocks/statestore"
)

type executorFunc func(ctx context.Context, jobID, sourceURL string, attempt int) error

func (f executorFunc) Run(ctx context.Context, jobID, sourceURL string, attempt int) error {
	return f(ctx, jobID, sourceURL, attempt)
}

func newTestHandler(t *testing.T, exec JobExecutor, lease core.ExecutionLease, ttl time.Duration) *TranslationHandler {
	t.Helper()
	h, err := NewTranslationHandler(TranslationHandlerOptions{
		Executor: exec,
		Lease:    lease,
		LeaseTTL: ttl,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	return h
}

func TestNewTranslationHandler_Validation(t *testing.T) {
	_, err := NewTranslationHandler(TranslationHandlerOptions{Lease: statestore.NewMemoryLease()})
	require.Error(t, err)
	_, err = NewTranslationHandler(TranslationHandlerOptions{Executor: executorFunc(nil)})
	require.Error(t, err)
}

func TestLeaseToken(t *testing.T) {
	assert.Equal(t, "worker-1:3", LeaseToken("worker-1", 3))
}

func TestSourceURL(t *testing.T) {
	u, err := SourceURL(translateTask("job1", 0))
	require.NoError(t, err)
	assert.Equal(t, testSource, u)

	_, err = SourceURL(&model.Task{ID: "job1", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	_, err = SourceURL(&model.Task{ID: "job1", Payload: json.RawMessage(`not json`)})
	require.Error(t, err)
}

func TestTranslationHandler_RunsUnderLease(t *testing.T) {
	lease := statestore.NewMemoryLease()
	var seen struct {
		jobID, source, holder string
		attempt               int
	}
	exec := executorFunc(func(_ context.Context, jobID, sourceURL string, attempt int) error {
		seen.jobID, seen.source, seen.attempt = jobID, sourceURL, attempt
		seen.holder = lease.Holder(jobID)
		return nil
	})
	h := newTestHandler(t, exec, lease, time.Minute)

	require.NoError(t, h.Handle(context.Background(), "w1", translateTask("job1", 1)))
	assert.Equal(t, "job1", seen.jobID)
	assert.Equal(t, testSource, seen.source)
	assert.Equal(t, 2, seen.attempt)
	assert.Equal(t, "w1:2", seen.holder)
	assert.Empty(t, lease.Holder("job1"), "lease released after the attempt")
}

func TestTranslationHandler_ReleasesLeaseOnFailure(t *testing.T) {
	lease := statestore.NewMemoryLease()
	exec := executorFunc(func(context.Context, string, string, int) error {
		return &StageError{Stage: StageMux, Err: errBoom}
	})
	h := newTestHandler(t, exec, lease, time.Minute)

	err := h.Handle(context.Background(), "w1", translateTask("job1", 0))
	assert.Equal(t, StageMux, StageOf(err))
	assert.False(t, errors.Is(err, core.ErrLeaseLost))
	assert.Empty(t, lease.Holder("job1"))
}

func TestTranslationHandler_LeaseHeld(t *testing.T) {
	lease := statestore.NewMemoryLease()
	require.NoError(t, lease.Acquire(context.Background(), "job1", "other:1", time.Minute))

	called := false
	exec := executorFunc(func(context.Context, string, string, int) error {
		called = true
		return nil
	})
	h := newTestHandler(t, exec, lease, time.Minute)

	err := h.Handle(context.Background(), "w1", translateTask("job1", 0))
	require.ErrorIs(t, err, core.ErrLeaseHeld)
	assert.False(t, called)
	assert.Equal(t, "other:1", lease.Holder("job1"))
}

func TestTranslationHandler_LeaseLostCancelsAttempt(t *testing.T) {
	lease := statestore.NewMemoryLease()
	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _, _ string, _ int) error {
		close(started)
		<-ctx.Done()
		return &StageError{Stage: StageTranscribe, Err: ctx.Err()}
	})
	h := newTestHandler(t, exec, lease, 3*time.Second)

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), "w1", translateTask("job1", 0)) }()

	<-started
	// another worker takes over after the lease expired
	require.NoError(t, lease.Release(context.Background(), "job1", "w1:1"))
	require.NoError(t, lease.Acquire(context.Background(), "job1", "w2:1", 3*time.Second))

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrLeaseLost)
		assert.Equal(t, StageTranscribe, StageOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("attempt was not cancelled after losing the lease")
	}
	assert.Equal(t, "w2:1", lease.Holder("job1"), "new holder keeps the lease")
}

func TestTranslationHandler_LeaseLostKeepsNewOwnerState(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStateStore()
	fakes := newFakeStages()
	started := make(chan struct{})
	fakes.downloadHook = func(runCtx context.Context) error {
		close(started)
		<-runCtx.Done()
		return runCtx.Err()
	}
	exec := newTestExecutor(t, store, fakes, nil)
	lease := statestore.NewMemoryLease()
	h := newTestHandler(t, exec, lease, 3*time.Second)
	require.NoError(t, store.CreateJob(ctx, "job1", testSource))

	done := make(chan error, 1)
	go func() { done <- h.Handle(ctx, "w1", translateTask("job1", 0)) }()

	<-started
	require.NoError(t, lease.Release(ctx, "job1", "w1:1"))
	require.NoError(t, lease.Acquire(ctx, "job1", "w2:1", 3*time.Second))
	require.NoError(t, store.SetStatus(ctx, "job1", model.StatusUpdate{
		Status: model.JobStatusRunning, Progress: intPtr(25), Attempt: intPtr(1),
	}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrLeaseLost)
	case <-time.After(5 * time.Second):
		t.Fatal("attempt was not cancelled after losing the lease")
	}

	st, err := store.GetState(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, st.Status)
	assert.Equal(t, 25, st.Progress)
	assert.Empty(t, st.Error)
	assert.Nil(t, st.Checkpoint)
	for _, line := range store.Logs("job1") {
		assert.NotContains(t, line, "Error:")
	}
}

func TestTranslationHandler_InvalidPayload(t *testing.T) {
	h := newTestHandler(t, executorFunc(func(context.Context, string, string, int) error { return nil }),
		statestore.NewMemoryLease(), time.Minute)
	err := h.Handle(context.Background(), "w1", &model.Task{ID: "job1", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, StageSetup, StageOf(err))
}

// TestTranslationHandler_RetriesUntilExhausted drives a job whose speech synthesis always fails
// through every attempt, recording each failure on the queue.
func TestTranslationHandler_RetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStateStore()
	fakes := newFakeStages()
	fakes.synthErr = errors.New("speech service unavailable")
	exec := newTestExecutor(t, store, fakes, nil)
	lease := statestore.NewMemoryLease()
	h := newTestHandler(t, exec, lease, time.Minute)

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTaskRepository(ctrl)
	notifierSvc, sink := newCapturingNotifier()
	tasks, _ := newTestTaskService(t, repo, func(o *TaskServiceOptions) { o.FailureNotifier = notifierSvc })

	require.NoError(t, store.CreateJob(ctx, "job1", testSource))

	for retry := range model.DefaultMaxAttempts {
		status := model.TaskStatusPending
		if retry+1 == model.DefaultMaxAttempts {
			status = model.TaskStatusFailed
		}
		repo.EXPECT().Fail(gomock.Any(), "job1", gomock.Any()).
			Return(&model.TaskFailure{Status: status, RetryCount: retry + 1}, nil)

		task := translateTask("job1", retry)
		err := h.Handle(ctx, "w1", task)
		require.Error(t, err)
		require.Equal(t, StageSynthesize, StageOf(err))

		st, getErr := store.GetState(ctx, "job1")
		require.NoError(t, getErr)
		assert.Equal(t, model.JobStatusFailed, st.Status)
		assert.Equal(t, retry+1, st.Attempt)
		require.NotNil(t, st.Checkpoint)
		assert.Equal(t, 55, *st.Checkpoint)

		failure, failErr := tasks.Fail(ctx, task, err, TaskFailureDetails{SourceURL: testSource, Stage: StageOf(err)})
		require.NoError(t, failErr)
		assert.Equal(t, retry+1 == model.DefaultMaxAttempts, failure.Final())
	}

	payloads := sink.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, StageSynthesize, payloads[0].Stage)
	assert.Equal(t, 3, payloads[0].Attempt)
	assert.Contains(t, payloads[0].Error, "speech service unavailable")
	assert.Empty(t, lease.Holder("job1"))
}
