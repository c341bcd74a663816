package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/dubbing-api/internal/domain/model"
)

type stubWaiter struct {
	calls chan model.TaskType
	err   error
	block bool
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, taskType model.TaskType) error {
	select {
	case s.calls <- taskType:
	default:
	}

	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.TaskTypeTranslateVideo)
	defer unsub()

	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_NotifyWakesLocalSubscribers(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 1), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)
	defer notifier.StopAll()

	_, ch := notifier.Subscribe(model.TaskTypeTranslateVideo)
	notifier.Notify(model.TaskTypeTranslateVideo)

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected local notify to wake subscriber")
	}
}

func TestNotifier_NotifyIsScopedToTaskType(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 4), block: true}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)
	defer notifier.StopAll()

	// no subscribers: nothing to wake and no listener started
	notifier.Notify(model.TaskTypeTranslateVideo)
	select {
	case <-waiter.calls:
		t.Fatal("notify must not start a store listener")
	case <-time.After(50 * time.Millisecond):
	}

	_, ch := notifier.Subscribe(model.TaskTypeTranslateVideo)
	notifier.Notify(model.TaskType("other"))

	select {
	case <-ch:
		t.Fatal("notify for another task type must not wake the worker")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 1)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.TaskTypeTranslateVideo)

	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsubA, chA := notifier.Subscribe(model.TaskTypeTranslateVideo)
	unsubB, chB := notifier.Subscribe(model.TaskTypeTranslateVideo)

	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chA, chB} {
		// A buffered wake-up may still be read before the close is observed.
		deadline := time.After(200 * time.Millisecond)
	drain:
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					break drain
				}
			case <-deadline:
				t.Fatal("expected channel to close after StopAll")
			}
		}
	}

	unsubA()
	unsubB()
}
