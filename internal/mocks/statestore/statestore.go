// Package statestore contains hand-written in-memory doubles for the job state ports.
// They follow the Redis adapter semantics closely enough for service and handler tests.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
)

// Ensure compile-time conformance to core.
var (
	_ core.StateStore     = (*MemoryStateStore)(nil)
	_ core.ExecutionLease = (*MemoryLease)(nil)
)

const maxLogs = 500

type jobRecord struct {
	state model.JobState
	logs  []string
}

// MemoryStateStore is an in-memory core.StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	jobs   map[string]*jobRecord
	seq    map[string]int64
	replay map[string][]model.Event
	subs   map[string][]*memorySubscription

	// FailFunc, when set, is consulted before every mutation; a non-nil error is returned as is.
	FailFunc func(op, id string) error
	// History records every status update per job, in order.
	History map[string][]model.StatusUpdate
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		jobs:    make(map[string]*jobRecord),
		seq:     make(map[string]int64),
		replay:  make(map[string][]model.Event),
		subs:    make(map[string][]*memorySubscription),
		History: make(map[string][]model.StatusUpdate),
	}
}

func (m *MemoryStateStore) fail(op, id string) error {
	if m.FailFunc == nil {
		return nil
	}
	return m.FailFunc(op, id)
}

// publishLocked stamps and fans out ev. Callers hold m.mu.
func (m *MemoryStateStore) publishLocked(ev model.Event) {
	m.seq[ev.JobID]++
	ev.Seq = m.seq[ev.JobID]
	ev.Timestamp = time.Now().UTC()
	m.replay[ev.JobID] = append(m.replay[ev.JobID], ev)
	for _, sub := range m.subs[ev.JobID] {
		sub.push(ev)
	}
}

func (m *MemoryStateStore) CreateJob(_ context.Context, id, sourceURL string) error {
	if id == "" {
		return errors.New("job id cannot be empty")
	}
	if err := m.fail("CreateJob", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	created := now
	if prev, ok := m.jobs[id]; ok {
		created = prev.state.CreatedAt
	}
	m.jobs[id] = &jobRecord{state: model.JobState{
		ID:        id,
		Status:    model.JobStatusQueued,
		SourceURL: sourceURL,
		CreatedAt: created,
		UpdatedAt: now,
	}}
	m.replay[id] = nil
	progress := 0
	m.publishLocked(model.Event{Type: model.EventTypeStatus, JobID: id, Status: model.JobStatusQueued, Progress: &progress})
	return nil
}

func (m *MemoryStateStore) record(id string) *jobRecord {
	rec, ok := m.jobs[id]
	if !ok {
		rec = &jobRecord{state: model.JobState{ID: id}}
		m.jobs[id] = rec
	}
	return rec
}

// SetStatus applies the same transition rules as the Redis store. FailFunc sees the op
// "SetStatus:<STATUS>" for status changes and "SetStatus" for field-only updates.
func (m *MemoryStateStore) SetStatus(_ context.Context, id string, update model.StatusUpdate) error {
	op := "SetStatus"
	if update.Status != "" {
		op += ":" + string(update.Status)
	}
	if err := m.fail(op, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok || rec.state.Status == "" {
		return fmt.Errorf("set status %s: %w", id, model.ErrJobNotFound)
	}
	if err := model.CheckStatusUpdate(rec.state.Status, update); err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	st := &rec.state
	now := time.Now().UTC()
	st.UpdatedAt = now
	if update.Attempt != nil {
		st.Attempt = *update.Attempt
		st.StartedAt = nil
	}
	if update.Status != "" {
		st.Status = update.Status
		if update.Status == model.JobStatusRunning {
			st.Checkpoint = nil
			if st.StartedAt == nil {
				st.StartedAt = &now
			}
		}
		if update.Status == model.JobStatusDone {
			if update.ResultURL != "" {
				st.ResultURL = update.ResultURL
			}
		} else {
			st.ResultURL = ""
		}
	}
	if update.Progress != nil {
		st.Progress = model.ClampProgress(*update.Progress)
	}
	if update.Error != nil {
		st.Error = *update.Error
	}
	if update.Checkpoint != nil {
		cp := model.ClampProgress(*update.Checkpoint)
		st.Checkpoint = &cp
	}
	m.History[id] = append(m.History[id], update)

	ev := model.Event{Type: model.EventTypeStatus, JobID: id, Status: st.Status}
	progress := st.Progress
	ev.Progress = &progress
	if st.Error != "" {
		e := st.Error
		ev.Error = &e
	}
	m.publishLocked(ev)
	if update.ResultURL != "" {
		m.publishLocked(model.Event{Type: model.EventTypeResult, JobID: id, ResultURL: update.ResultURL})
	}
	return nil
}

func (m *MemoryStateStore) SetResult(_ context.Context, id, resultURL string) error {
	if err := m.fail("SetResult", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.state.Status == "" {
		return fmt.Errorf("set result %s: %w", id, model.ErrJobNotFound)
	}
	if rec.state.Status != model.JobStatusDone {
		return fmt.Errorf("set result %s: %w: result url on a %s job", id, model.ErrInvalidTransition, rec.state.Status)
	}
	rec.state.ResultURL = resultURL
	m.publishLocked(model.Event{Type: model.EventTypeResult, JobID: id, ResultURL: resultURL})
	return nil
}

func (m *MemoryStateStore) AppendLog(_ context.Context, id, message string) error {
	if err := m.fail("AppendLog", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(id)
	rec.logs = append(rec.logs, message)
	if len(rec.logs) > maxLogs {
		rec.logs = rec.logs[len(rec.logs)-maxLogs:]
	}
	m.publishLocked(model.Event{Type: model.EventTypeLog, JobID: id, Message: message})
	return nil
}

func (m *MemoryStateStore) GetState(_ context.Context, id string) (*model.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.state.Status == "" {
		return nil, model.ErrJobNotFound
	}
	st := rec.state
	return &st, nil
}

func (m *MemoryStateStore) GetLogs(_ context.Context, id string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	rec, ok := m.jobs[id]
	if !ok {
		return []string{}, nil
	}
	logs := rec.logs
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]string(nil), logs...), nil
}

// Logs returns every retained log line of id.
func (m *MemoryStateStore) Logs(id string) []string {
	lines, _ := m.GetLogs(context.Background(), id, maxLogs)
	return lines
}

func (m *MemoryStateStore) EventsSince(_ context.Context, id string, seq int64) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, ev := range m.replay[id] {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStateStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.seq, id)
	delete(m.replay, id)
	return nil
}

func (m *MemoryStateStore) Ping(context.Context) error { return m.fail("Ping", "") }

func (m *MemoryStateStore) Subscribe(_ context.Context, id string) (core.EventSubscription, error) {
	if err := m.fail("Subscribe", id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memorySubscription{events: make(chan model.Event, 1024), store: m, id: id}
	m.subs[id] = append(m.subs[id], sub)
	return sub, nil
}

func (m *MemoryStateStore) unsubscribe(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[sub.id]
	for i, s := range list {
		if s == sub {
			m.subs[sub.id] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

type memorySubscription struct {
	events chan model.Event
	store  *MemoryStateStore
	id     string
	once   sync.Once
}

func (s *memorySubscription) push(ev model.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *memorySubscription) Receive(ctx context.Context, timeout time.Duration) (*model.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case ev := <-s.events:
		return &ev, nil
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.store.unsubscribe(s) })
	return nil
}

// MemoryLease is an in-memory core.ExecutionLease. TTLs are recorded but never expire.
type MemoryLease struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewMemoryLease creates an empty lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{holders: make(map[string]string)}
}

func (l *MemoryLease) Acquire(_ context.Context, jobID, token string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[jobID]; ok && holder != token {
		return core.ErrLeaseHeld
	}
	l.holders[jobID] = token
	return nil
}

func (l *MemoryLease) Extend(_ context.Context, jobID, token string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[jobID] != token {
		return core.ErrLeaseLost
	}
	return nil
}

func (l *MemoryLease) Release(_ context.Context, jobID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[jobID] == token {
		delete(l.holders, jobID)
	}
	return nil
}

// Holder returns the token holding jobID, or "".
func (l *MemoryLease) Holder(jobID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[jobID]
}
