// Package redis provides the Redis-backed job state store and execution lease.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
)

const (
	// MaxLogEntries is how many log lines a job keeps.
	MaxLogEntries = 500
	// DefaultLogLimit is used by GetLogs when the caller passes a non-positive limit.
	DefaultLogLimit = 200
	// DefaultReplaySize is how many published events are kept for replay.
	DefaultReplaySize = 256
	// DefaultJobTTL bounds how long an untouched job lingers.
	DefaultJobTTL = 7 * 24 * time.Hour
)

const (
	fieldStatus     = "status"
	fieldProgress   = "progress"
	fieldCheckpoint = "checkpoint"
	fieldResultURL  = "result_url"
	fieldError      = "error"
	fieldSourceURL  = "source_url"
	fieldCreatedAt  = "created_at"
	fieldStartedAt  = "started_at"
	fieldUpdatedAt  = "updated_at"
	fieldAttempt    = "attempt"
)

// StateStoreOptions configures a StateStore.
type StateStoreOptions struct {
	TTL        time.Duration
	ReplaySize int
	Logger     *slog.Logger
	Now        func() time.Time
}

// StateStore keeps job snapshots, bounded logs and the event stream in Redis.
// Durable state lives in a hash and a list; live events go out over pub/sub with a
// per-job sequence number and a short replay buffer.
type StateStore struct {
	client     redis.UniversalClient
	ttl        time.Duration
	replaySize int64
	logger     *slog.Logger
	now        func() time.Time
}

var _ core.StateStore = (*StateStore)(nil)

// NewStateStore creates a StateStore on top of an already constructed client.
func NewStateStore(client redis.UniversalClient, opts StateStoreOptions) *StateStore {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	replay := opts.ReplaySize
	if replay <= 0 {
		replay = DefaultReplaySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &StateStore{
		client:     client,
		ttl:        ttl,
		replaySize: int64(replay),
		logger:     logger.With("component", "state_store"),
		now:        now,
	}
}

func jobKey(id string) string        { return "job:" + id }
func logsKey(id string) string       { return "job:" + id + ":logs" }
func eventsChannel(id string) string { return "job:" + id + ":events" }
func seqKey(id string) string        { return "job:" + id + ":seq" }
func replayKey(id string) string     { return "job:" + id + ":replay" }

func (s *StateStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *StateStore) touch(ctx context.Context, pipe redis.Pipeliner, id string) {
	for _, key := range []string{jobKey(id), logsKey(id), seqKey(id), replayKey(id)} {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// CreateJob resets the job to QUEUED with progress 0 and drops earlier logs, result, error
// and replay history. created_at survives a reset so resubmitted jobs keep their provenance.
func (s *StateStore) CreateJob(ctx context.Context, id, sourceURL string) error {
	if id == "" {
		return errors.New("job id cannot be empty")
	}
	ts := s.timestamp()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, logsKey(id), replayKey(id))
		pipe.HDel(ctx, jobKey(id), fieldResultURL, fieldError, fieldCheckpoint, fieldStartedAt)
		pipe.HSet(ctx, jobKey(id),
			fieldStatus, string(model.JobStatusQueued),
			fieldProgress, 0,
			fieldSourceURL, sourceURL,
			fieldUpdatedAt, ts,
			fieldAttempt, 0,
		)
		pipe.HSetNX(ctx, jobKey(id), fieldCreatedAt, ts)
		s.touch(ctx, pipe, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}

	progress := 0
	return s.publish(ctx, &model.Event{
		Type:     model.EventTypeStatus,
		JobID:    id,
		Status:   model.JobStatusQueued,
		Progress: &progress,
	})
}

// maxWatchRetries bounds how often a status write is retried after a concurrent change.
const maxWatchRetries = 5

// watchJob runs fn in an optimistic transaction on the job hash. fn receives the current status;
// the write is retried when another client changed the hash in between.
func (s *StateStore) watchJob(ctx context.Context, id string, fn func(tx *redis.Tx, current model.JobStatus) error) error {
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, jobKey(id), fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return model.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return fn(tx, model.JobStatus(cur))
	}
	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, jobKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("job %s changed concurrently %d times", id, maxWatchRetries)
}

// SetStatus merges update into the job and publishes a status event carrying the merged
// status, progress and error. A status change is checked against the job's current status.
// An update carrying a result URL also publishes a result event.
func (s *StateStore) SetStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	if update.Status != "" && !update.Status.Valid() {
		return fmt.Errorf("invalid job status %q", update.Status)
	}

	ts := s.timestamp()
	fields := []any{fieldUpdatedAt, ts}
	var clear []string
	if update.Status != "" {
		fields = append(fields, fieldStatus, string(update.Status))
		if update.Status == model.JobStatusRunning {
			clear = append(clear, fieldCheckpoint)
		}
		if update.Status == model.JobStatusDone {
			if update.ResultURL != "" {
				fields = append(fields, fieldResultURL, update.ResultURL)
			}
		} else {
			clear = append(clear, fieldResultURL)
		}
	}
	if update.Progress != nil {
		fields = append(fields, fieldProgress, model.ClampProgress(*update.Progress))
	}
	if update.Error != nil {
		if *update.Error == "" {
			clear = append(clear, fieldError)
		} else {
			fields = append(fields, fieldError, *update.Error)
		}
	}
	if update.Checkpoint != nil {
		fields = append(fields, fieldCheckpoint, model.ClampProgress(*update.Checkpoint))
	}
	if update.Attempt != nil {
		fields = append(fields, fieldAttempt, *update.Attempt)
		clear = append(clear, fieldStartedAt)
	}

	var merged *redis.SliceCmd
	err := s.watchJob(ctx, id, func(tx *redis.Tx, current model.JobStatus) error {
		if err := model.CheckStatusUpdate(current, update); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(clear) > 0 {
				pipe.HDel(ctx, jobKey(id), clear...)
			}
			pipe.HSet(ctx, jobKey(id), fields...)
			if update.Status == model.JobStatusRunning {
				// only the first RUNNING of an attempt stamps started_at
				pipe.HSetNX(ctx, jobKey(id), fieldStartedAt, ts)
			}
			merged = pipe.HMGet(ctx, jobKey(id), fieldStatus, fieldProgress, fieldError)
			s.touch(ctx, pipe, id)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}

	ev := &model.Event{Type: model.EventTypeStatus, JobID: id}
	vals := merged.Val()
	if v, ok := vals[0].(string); ok {
		ev.Status = model.JobStatus(v)
	}
	if v, ok := vals[1].(string); ok {
		if p, convErr := strconv.Atoi(v); convErr == nil {
			ev.Progress = &p
		}
	}
	if v, ok := vals[2].(string); ok && v != "" {
		ev.Error = &v
	}
	if err := s.publish(ctx, ev); err != nil {
		return err
	}
	if update.ResultURL == "" {
		return nil
	}
	return s.publish(ctx, &model.Event{Type: model.EventTypeResult, JobID: id, ResultURL: update.ResultURL})
}

// SetResult records the result URL of a DONE job and publishes a result event.
func (s *StateStore) SetResult(ctx context.Context, id, resultURL string) error {
	err := s.watchJob(ctx, id, func(tx *redis.Tx, current model.JobStatus) error {
		if current != model.JobStatusDone {
			return fmt.Errorf("%w: result url on a %s job", model.ErrInvalidTransition, current)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(id), fieldResultURL, resultURL, fieldUpdatedAt, s.timestamp())
			s.touch(ctx, pipe, id)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("set result %s: %w", id, err)
	}
	return s.publish(ctx, &model.Event{Type: model.EventTypeResult, JobID: id, ResultURL: resultURL})
}

// AppendLog appends message to the job log, keeps the last MaxLogEntries lines and publishes
// a log event.
func (s *StateStore) AppendLog(ctx context.Context, id, message string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, logsKey(id), message)
		pipe.LTrim(ctx, logsKey(id), -MaxLogEntries, -1)
		s.touch(ctx, pipe, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append log %s: %w", id, err)
	}
	return s.publish(ctx, &model.Event{Type: model.EventTypeLog, JobID: id, Message: message})
}

// publish stamps ev with the next sequence number, stores it in the replay buffer and
// sends it to subscribers. The sequence is taken before the publish so subscribers never
// see a number that is not yet replayable.
func (s *StateStore) publish(ctx context.Context, ev *model.Event) error {
	seq, err := s.client.Incr(ctx, seqKey(ev.JobID)).Result()
	if err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	ev.Seq = seq
	ev.Timestamp = s.now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, replayKey(ev.JobID), payload)
		pipe.LTrim(ctx, replayKey(ev.JobID), -s.replaySize, -1)
		pipe.Expire(ctx, replayKey(ev.JobID), s.ttl)
		pipe.Publish(ctx, eventsChannel(ev.JobID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// GetState returns the job snapshot or model.ErrJobNotFound.
func (s *StateStore) GetState(ctx context.Context, id string) (*model.JobState, error) {
	if id == "" {
		return nil, model.ErrJobNotFound
	}
	h, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, model.ErrJobNotFound
	}
	return decodeState(id, h), nil
}

func decodeState(id string, h map[string]string) *model.JobState {
	st := &model.JobState{
		ID:        id,
		Status:    model.JobStatus(h[fieldStatus]),
		ResultURL: h[fieldResultURL],
		Error:     h[fieldError],
		SourceURL: h[fieldSourceURL],
	}
	st.Progress, _ = strconv.Atoi(h[fieldProgress])
	st.Attempt, _ = strconv.Atoi(h[fieldAttempt])
	if v, ok := h[fieldCheckpoint]; ok {
		if cp, err := strconv.Atoi(v); err == nil {
			st.Checkpoint = &cp
		}
	}
	st.CreatedAt = parseTime(h[fieldCreatedAt])
	st.UpdatedAt = parseTime(h[fieldUpdatedAt])
	if v, ok := h[fieldStartedAt]; ok {
		t := parseTime(v)
		st.StartedAt = &t
	}
	return st
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetLogs returns up to limit of the most recent log lines in append order.
func (s *StateStore) GetLogs(ctx context.Context, id string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	lines, err := s.client.LRange(ctx, logsKey(id), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get logs %s: %w", id, err)
	}
	return lines, nil
}

// EventsSince returns buffered events with a sequence number greater than seq, oldest first.
func (s *StateStore) EventsSince(ctx context.Context, id string, seq int64) ([]model.Event, error) {
	raw, err := s.client.LRange(ctx, replayKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay buffer %s: %w", id, err)
	}
	events := make([]model.Event, 0, len(raw))
	for _, item := range raw {
		var ev model.Event
		if jsonErr := json.Unmarshal([]byte(item), &ev); jsonErr != nil {
			s.logger.WarnContext(ctx, "skipping malformed replay entry", "job_id", id, "error", jsonErr)
			continue
		}
		if ev.Seq > seq {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Delete removes every key belonging to the job.
func (s *StateStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, jobKey(id), logsKey(id), seqKey(id), replayKey(id), leaseKey(id)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Ping checks the connection to Redis.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Subscribe attaches to the job's event channel. The subscription is confirmed before
// Subscribe returns, so every event published afterwards is delivered.
func (s *StateStore) Subscribe(ctx context.Context, id string) (core.EventSubscription, error) {
	ps := s.client.Subscribe(ctx, eventsChannel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	return &Subscription{ps: ps, logger: s.logger}, nil
}

// Subscription is a live feed of one job's events.
type Subscription struct {
	ps     *redis.PubSub
	logger *slog.Logger
}

// Receive waits up to timeout for the next event. It returns (nil, nil) when nothing arrived.
func (sub *Subscription) Receive(ctx context.Context, timeout time.Duration) (*model.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		msg, err := sub.ps.ReceiveTimeout(ctx, remaining)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("receive event: %w", err)
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			// subscription confirmations and pongs
			continue
		}
		var ev model.Event
		if jsonErr := json.Unmarshal([]byte(m.Payload), &ev); jsonErr != nil {
			sub.logger.WarnContext(ctx, "dropping malformed event", "channel", m.Channel, "error", jsonErr)
			continue
		}
		return &ev, nil
	}
}

// Close unsubscribes and releases the connection.
func (sub *Subscription) Close() error {
	return sub.ps.Close()
}
