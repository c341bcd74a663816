package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/mocks"
	"github.com/target/dubbing-api/internal/observability/statsd"
	"github.com/target/dubbing-api/internal/service"
)

type quietNotifier struct{}

func (quietNotifier) Subscribe(model.TaskType) (func(), <-chan struct{}) {
	return func() {}, make(chan struct{})
}
func (quietNotifier) Notify(model.TaskType) {}
func (quietNotifier) StopAll()              {}

type handlerFunc func(ctx context.Context, workerID string, task *model.Task) error

func (f handlerFunc) Handle(ctx context.Context, workerID string, task *model.Task) error {
	return f(ctx, workerID, task)
}

func testTask(id string) *model.Task {
	raw, _ := json.Marshal(model.TranslateVideoPayload{SourceURL: "https://example.com/watch?v=1"})
	return &model.Task{
		ID:         id,
		Type:       model.TaskTypeTranslateVideo,
		Status:     model.TaskStatusRunning,
		Payload:    raw,
		MaxRetries: 3,
	}
}

type fixture struct {
	repo    *mocks.MockTaskRepository
	metrics *statsd.Recorder
	ctx     context.Context
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return &fixture{
		repo:    mocks.NewMockTaskRepository(gomock.NewController(t)),
		metrics: &statsd.Recorder{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// serveOnce hands out task on the first reservation and reports an empty queue afterwards.
func (f *fixture) serveOnce(task *model.Task) {
	var served atomic.Bool
	f.repo.EXPECT().ReserveNext(gomock.Any(), model.TaskTypeTranslateVideo, 30).
		DoAndReturn(func(context.Context, model.TaskType, int) (*model.Task, error) {
			if served.CompareAndSwap(false, true) {
				return task, nil
			}
			return nil, model.ErrNoTasksAvailable
		}).AnyTimes()
}

func (f *fixture) runner(t *testing.T, h Handler) *Runner {
	t.Helper()
	tasks, err := service.NewTaskService(service.TaskServiceOptions{
		Repo:         f.repo,
		DefaultLease: 30 * time.Second,
		Notifier:     quietNotifier{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	r, err := NewRunner(RunnerOptions{
		Tasks:          tasks,
		Handler:        h,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval:   10 * time.Millisecond,
		LeaseBusyDelay: 7 * time.Second,
		WorkerID:       "test",
		Metrics:        f.metrics,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) transitions() []string {
	var out []string
	for _, s := range f.metrics.Samples("task.transition") {
		out = append(out, s.Tags["transition"]+"/"+s.Tags["result"])
	}
	return out
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	f := newFixture(t)
	tasks, err := service.NewTaskService(service.TaskServiceOptions{
		Repo: f.repo, DefaultLease: time.Minute, Notifier: quietNotifier{},
	})
	require.NoError(t, err)
	_, err = NewRunner(RunnerOptions{Tasks: tasks})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Tasks: tasks, Handler: handlerFunc(nil)})
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeTranslateVideo, r.taskType)
	assert.Equal(t, time.Minute, r.lease)
	assert.Equal(t, 1, r.workers)
	assert.Contains(t, r.workerID, "worker-")
}

func TestRunner_CompletesSuccessfulTask(t *testing.T) {
	f := newFixture(t)
	f.serveOnce(testTask("job1"))
	f.repo.EXPECT().Complete(gomock.Any(), "job1").DoAndReturn(func(context.Context, string) (bool, error) {
		f.cancel()
		return true, nil
	})

	var worker string
	r := f.runner(t, handlerFunc(func(_ context.Context, workerID string, task *model.Task) error {
		worker = workerID
		assert.Equal(t, "job1", task.ID)
		return nil
	}))

	require.NoError(t, r.Run(f.ctx))
	assert.Equal(t, "test-1", worker)
	assert.Equal(t, []string{"started/success", "completed/success"}, f.transitions())
}

func TestRunner_FailsTaskWithStageDetails(t *testing.T) {
	f := newFixture(t)
	task := testTask("job1")
	f.serveOnce(task)
	stageErr := &service.StageError{Stage: service.StageSynthesize, Err: errors.New("quota exceeded")}
	f.repo.EXPECT().Fail(gomock.Any(), "job1", "tts: quota exceeded").
		DoAndReturn(func(context.Context, string, string) (*model.TaskFailure, error) {
			f.cancel()
			return &model.TaskFailure{Status: model.TaskStatusPending, RetryCount: 1}, nil
		})

	r := f.runner(t, handlerFunc(func(context.Context, string, *model.Task) error { return stageErr }))
	require.NoError(t, r.Run(f.ctx))
	assert.Equal(t, []string{"started/success", "failed/error"}, f.transitions())
}

func TestRunner_ReschedulesWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	f.serveOnce(testTask("job1"))
	f.repo.EXPECT().Reschedule(gomock.Any(), "job1", 7*time.Second).
		DoAndReturn(func(context.Context, string, time.Duration) (bool, error) {
			f.cancel()
			return true, nil
		})

	r := f.runner(t, handlerFunc(func(context.Context, string, *model.Task) error {
		return fmt.Errorf("acquire execution lease job1: %w", core.ErrLeaseHeld)
	}))
	require.NoError(t, r.Run(f.ctx))
	assert.Equal(t, []string{"started/success", "rescheduled/noop"}, f.transitions())
}

func TestRunner_LeaseLostLeavesTaskAlone(t *testing.T) {
	f := newFixture(t)
	f.serveOnce(testTask("job1"))

	r := f.runner(t, handlerFunc(func(context.Context, string, *model.Task) error {
		defer f.cancel()
		return fmt.Errorf("%w: %w", core.ErrLeaseLost, context.Canceled)
	}))
	// no Fail, Complete or Reschedule expectations: any such call fails the test
	require.NoError(t, r.Run(f.ctx))
	assert.Equal(t, []string{"started/success", "lease_lost/error"}, f.transitions())
}

func TestRunner_ShutdownReturnsTaskToQueue(t *testing.T) {
	f := newFixture(t)
	f.serveOnce(testTask("job1"))
	f.repo.EXPECT().Reschedule(gomock.Any(), "job1", time.Duration(0)).Return(true, nil)

	r := f.runner(t, handlerFunc(func(ctx context.Context, _ string, _ *model.Task) error {
		f.cancel()
		<-ctx.Done()
		return &service.StageError{Stage: service.StageTranscribe, Err: ctx.Err()}
	}))
	require.NoError(t, r.Run(f.ctx))
	assert.Equal(t, []string{"started/success", "interrupted/noop"}, f.transitions())
}

func TestRunner_ReserveErrorStopsRunner(t *testing.T) {
	f := newFixture(t)
	f.repo.EXPECT().ReserveNext(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("database is down"))

	r := f.runner(t, handlerFunc(func(context.Context, string, *model.Task) error { return nil }))
	err := r.Run(f.ctx)
	require.ErrorContains(t, err, "database is down")
}

func TestRunner_ReportsQueueDepth(t *testing.T) {
	f := newFixture(t)
	f.repo.EXPECT().ReserveNext(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, model.ErrNoTasksAvailable).AnyTimes()
	f.repo.EXPECT().Stats(gomock.Any(), model.TaskTypeTranslateVideo).
		DoAndReturn(func(context.Context, model.TaskType) (*model.TaskStats, error) {
			f.cancel()
			return &model.TaskStats{Pending: 4, Running: 1}, nil
		})

	r := f.runner(t, handlerFunc(func(context.Context, string, *model.Task) error { return nil }))
	r.depthEvery = time.Hour
	require.NoError(t, r.Run(f.ctx))

	depth := map[string]float64{}
	for _, s := range f.metrics.Samples("task.queue.depth") {
		depth[s.Tags["status"]] = s.Value
	}
	assert.Equal(t, 4.0, depth["pending"])
	assert.Equal(t, 1.0, depth["running"])
}
