package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/domain/pipeline"
	"github.com/target/dubbing-api/internal/mocks/statestore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStages implements every pipeline collaborator and records the calls it receives.
type fakeStages struct {
	mu    sync.Mutex
	calls []string

	downloadErr   error
	downloadHook  func(ctx context.Context) error // replaces downloadErr when set
	extractErrs   []error                         // consumed one per ExtractAudio call
	remuxErr      error
	transcript    *pipeline.Transcript
	transcribeErr error
	translateErr  error
	translateOK   int // when > 0, calls after this many successes fail with translateErr
	translations  int
	synthErr      error
	synthChunks   []string
	muxErr        error
	muxInput      pipeline.MuxInput
	lipSyncErr    error
	lipSyncReq    pipeline.LipSyncRequest
}

func newFakeStages() *fakeStages {
	return &fakeStages{
		transcript: &pipeline.Transcript{
			Text:     "hello world",
			Language: "ko",
			Segments: []pipeline.Segment{{Start: 0, End: 1.5, Text: "hello world"}},
		},
	}
}

func (f *fakeStages) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStages) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStages) Download(ctx context.Context, _, _ string) error {
	f.record("download")
	if f.downloadHook != nil {
		return f.downloadHook(ctx)
	}
	return f.downloadErr
}

func (f *fakeStages) ExtractAudio(_ context.Context, video, _ string) error {
	f.record("extract:" + video)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.extractErrs) == 0 {
		return nil
	}
	err := f.extractErrs[0]
	f.extractErrs = f.extractErrs[1:]
	return err
}

func (f *fakeStages) Remux(_ context.Context, _, _ string) error {
	f.record("remux")
	return f.remuxErr
}

func (f *fakeStages) Mux(_ context.Context, in pipeline.MuxInput, _ string) error {
	f.record("mux")
	f.muxInput = in
	return f.muxErr
}

func (f *fakeStages) AddSoftSubtitles(_ context.Context, _, _, _ string) error {
	f.record("subtitles")
	return nil
}

func (f *fakeStages) ExtractFirstFrame(_ context.Context, _, _ string) error {
	f.record("frame")
	return nil
}

func (f *fakeStages) ConvertWAV16kMono(_ context.Context, _, _ string) error {
	f.record("wav16k")
	return nil
}

func (f *fakeStages) Transcribe(_ context.Context, _, _ string) (*pipeline.Transcript, error) {
	f.record("transcribe")
	if f.transcribeErr != nil {
		return nil, f.transcribeErr
	}
	t := *f.transcript
	t.Segments = append([]pipeline.Segment(nil), f.transcript.Segments...)
	return &t, nil
}

func (f *fakeStages) Translate(_ context.Context, text string) (string, error) {
	f.record("translate")
	f.mu.Lock()
	f.translations++
	n := f.translations
	f.mu.Unlock()
	if f.translateErr != nil && (f.translateOK == 0 || n > f.translateOK) {
		return "", f.translateErr
	}
	return "[en] " + text, nil
}

func (f *fakeStages) Synthesize(_ context.Context, chunks []string, _ string) error {
	f.record("tts")
	f.synthChunks = chunks
	return f.synthErr
}

func (f *fakeStages) Generate(_ context.Context, req pipeline.LipSyncRequest) error {
	f.record("lipsync")
	f.lipSyncReq = req
	return f.lipSyncErr
}

func (f *fakeStages) stages(withTranslator bool) PipelineStages {
	st := PipelineStages{
		Downloader:  f,
		Audio:       f,
		Muxer:       f,
		Transcriber: f,
		Synthesizer: f,
		LipSyncer:   f,
	}
	if withTranslator {
		st.Translator = f
	}
	return st
}

func newTestExecutor(
	t *testing.T,
	store *statestore.MemoryStateStore,
	fakes *fakeStages,
	mutate func(*PipelineExecutorOptions),
) *PipelineExecutor {
	t.Helper()
	root := t.TempDir()
	opts := PipelineExecutorOptions{
		Store:       store,
		Stages:      fakes.stages(false),
		Strategy:    pipeline.LipSyncNone,
		WorkRoot:    root + "/work",
		ResultsRoot: root + "/results",
		Logger:      discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	exec, err := NewPipelineExecutor(opts)
	require.NoError(t, err)
	return exec
}

var errBoom = errors.New("boom")

// stubNotifier records wake-ups instead of listening on the database.
type stubNotifier struct {
	mu       sync.Mutex
	notified []model.TaskType
	stopped  bool
}

func (n *stubNotifier) Subscribe(model.TaskType) (func(), <-chan struct{}) {
	return func() {}, make(chan struct{})
}

func (n *stubNotifier) Notify(taskType model.TaskType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, taskType)
}

func (n *stubNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
}

func (n *stubNotifier) Notified() []model.TaskType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.TaskType(nil), n.notified...)
}

func newTestTaskService(t *testing.T, repo core.TaskRepository, mutate func(*TaskServiceOptions)) (*TaskService, *stubNotifier) {
	t.Helper()
	notifier := &stubNotifier{}
	opts := TaskServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
		Notifier:     notifier,
		Logger:       discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewTaskService(opts)
	require.NoError(t, err)
	return svc, notifier
}
