package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/dubbing-api/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the store signals that a task of the given type was enqueued.
// The Postgres repository implements it with LISTEN on the per-type channel.
type Waiter interface {
	WaitForNotification(ctx context.Context, taskType model.TaskType) error
}

// Notifier wakes idle queue workers when a task may be reservable.
//
// Two sources feed the same wake-up channels. The store listener covers tasks enqueued by
// other processes. Notify covers tasks this process just enqueued or resubmitted, so a local
// worker reserves them without waiting for the NOTIFY to come back over the listener
// connection.
type Notifier interface {
	Subscribe(taskType model.TaskType) (func(), <-chan struct{})
	Notify(taskType model.TaskType)
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration // Listener wait before a forced wake-up; picks up delayed retries
	Backoff    time.Duration // Pause after a listener error
}

// wakeGroup is the set of idle workers for one task type plus the listener feeding them.
type wakeGroup struct {
	workers map[chan struct{}]struct{}
	stop    context.CancelFunc
}

// wake delivers at most one pending signal per worker; a worker that has not consumed its
// last signal will re-poll the queue anyway.
func (g *wakeGroup) wake() {
	for ch := range g.workers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (g *wakeGroup) close() {
	g.stop()
	for ch := range g.workers {
		drainAndClose(ch)
	}
}

// DefaultNotifier starts one store listener per task type on first Subscribe and stops it
// when the last worker of that type unsubscribes.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu     sync.Mutex
	groups map[model.TaskType]*wakeGroup
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		groups:     make(map[model.TaskType]*wakeGroup),
	}, nil
}

// Subscribe registers a worker for taskType. The returned func unsubscribes and closes the
// channel; it is safe to call more than once.
func (n *DefaultNotifier) Subscribe(taskType model.TaskType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	group, ok := n.groups[taskType]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		group = &wakeGroup{workers: make(map[chan struct{}]struct{}), stop: cancel}
		n.groups[taskType] = group
		go n.listen(ctx, taskType)
	}

	ch := make(chan struct{}, 1)
	group.workers[ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		current, ok := n.groups[taskType]
		if !ok || current != group {
			return
		}
		if _, ok := group.workers[ch]; !ok {
			return
		}
		delete(group.workers, ch)
		drainAndClose(ch)
		if len(group.workers) == 0 {
			group.stop()
			delete(n.groups, taskType)
		}
	}

	return unsub, ch
}

// Notify wakes this process's workers for taskType right after a local enqueue or
// resubmit. It does not start a listener; with no subscribed workers it is a no-op.
func (n *DefaultNotifier) Notify(taskType model.TaskType) {
	n.wake(taskType)
}

// StopAll stops every listener and closes every worker channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for taskType, group := range n.groups {
		group.close()
		delete(n.groups, taskType)
	}
}

func (n *DefaultNotifier) listen(ctx context.Context, taskType model.TaskType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, taskType)
		cancel()

		// a quiet window still wakes workers so they see retries whose delay has passed
		n.wake(taskType)

		if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) wake(taskType model.TaskType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if group, ok := n.groups[taskType]; ok {
		group.wake()
	}
}

// drainAndClose removes a buffered signal before closing so receivers see the close at once.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
