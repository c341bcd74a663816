package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/domain/model"
)

// StreamServiceOptions groups dependencies for StreamService.
type StreamServiceOptions struct {
	Store        core.StateStore // Required
	PollInterval time.Duration   // Optional: defaults to 1s
	KeepAlive    time.Duration   // Optional: defaults to 15s
	Logger       *slog.Logger
}

// StreamService relays one job's events to a live client.
type StreamService struct {
	store     core.StateStore
	poll      time.Duration
	keepAlive time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// StreamSink receives what the stream produces. Returning an error ends the stream.
type StreamSink interface {
	Event(ev model.Event) error
	KeepAlive() error
}

// NewStreamService constructs a StreamService.
func NewStreamService(opts StreamServiceOptions) (*StreamService, error) {
	if opts.Store == nil {
		return nil, errors.New("StateStore is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamService{
		store:     opts.Store,
		poll:      poll,
		keepAlive: keepAlive,
		logger:    logger.With("component", "stream_service"),
		now:       time.Now,
	}, nil
}

// Stream subscribes to jobID and forwards events to sink until ctx ends.
// When since is non-nil, buffered events with a greater sequence number are replayed first and
// live events already replayed are dropped. Cancellation of ctx ends the stream with nil.
func (s *StreamService) Stream(ctx context.Context, jobID string, since *int64, sink StreamSink) error {
	sub, err := s.store.Subscribe(ctx, jobID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", jobID, err)
	}
	defer func() {
		if closeErr := sub.Close(); closeErr != nil {
			s.logger.DebugContext(ctx, "close subscription", "job_id", jobID, "error", closeErr)
		}
	}()

	var last int64
	if since != nil {
		last = *since
		replay, err := s.store.EventsSince(ctx, jobID, last)
		if err != nil {
			return fmt.Errorf("replay %s: %w", jobID, err)
		}
		for _, ev := range replay {
			if err := sink.Event(ev); err != nil {
				return err
			}
			last = max(last, ev.Seq)
		}
	}

	lastWrite := s.now()
	for {
		ev, err := sub.Receive(ctx, s.poll)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive %s: %w", jobID, err)
		}
		if ev == nil {
			if s.now().Sub(lastWrite) >= s.keepAlive {
				if err := sink.KeepAlive(); err != nil {
					return err
				}
				lastWrite = s.now()
			}
			continue
		}
		if since != nil && ev.Seq <= last {
			continue
		}
		if err := sink.Event(*ev); err != nil {
			return err
		}
		last = max(last, ev.Seq)
		lastWrite = s.now()
	}
}
