package streaming_test

import (
	"sync"
	"testing"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/broker"
	"github.com/manno23/a2agateway/internal/streaming"
	"github.com/manno23/a2agateway/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T, store *taskstore.Store) *a2a.Task {
	t.Helper()
	task, err := store.Create(a2a.Message{
		MessageID: "m1", Role: a2a.RoleUser,
		Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: "hi"}},
	}, nil)
	require.NoError(t, err)
	return task
}

func collector() (broker.Callback, func() []broker.Update) {
	var mu sync.Mutex
	var got []broker.Update
	cb := func(u broker.Update) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u)
		return nil
	}
	read := func() []broker.Update {
		mu.Lock()
		defer mu.Unlock()
		out := make([]broker.Update, len(got))
		copy(out, got)
		return out
	}
	return cb, read
}

func TestSubscribe_DeliversSnapshotAndLiveUpdates(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	task := newTask(t, store)

	h := streaming.New(task.ID, store, b, time.Hour)
	cb, read := collector()
	require.NoError(t, h.Subscribe(cb))
	defer h.Dispose()

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, time.Millisecond)

	updated, err := store.SetStatus(task.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	b.Publish(task.ID, broker.Update{Status: &a2a.StatusUpdateEvent{
		TaskID: updated.ID, Status: updated.Status, Final: false,
	}})

	require.Eventually(t, func() bool { return len(read()) == 2 }, time.Second, time.Millisecond)
}

func TestSubscribe_CalledTwiceErrors(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	task := newTask(t, store)

	h := streaming.New(task.ID, store, b, time.Hour)
	cb, _ := collector()
	require.NoError(t, h.Subscribe(cb))
	defer h.Dispose()

	err := h.Subscribe(cb)
	assert.ErrorIs(t, err, streaming.ErrAlreadySubscribed)
}

func TestIsFinal_TrueAfterTerminalEvent(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	task := newTask(t, store)

	h := streaming.New(task.ID, store, b, time.Hour)
	cb, _ := collector()
	require.NoError(t, h.Subscribe(cb))
	defer h.Dispose()

	assert.False(t, h.IsFinal())

	updated, _ := store.SetStatus(task.ID, a2a.TaskStateCompleted, nil)
	_ = updated
	store.SetStatus(task.ID, a2a.TaskStateCompleted, nil) // submitted -> completed is a conflict; both calls leave the task submitted
	b.Publish(task.ID, broker.Update{Status: &a2a.StatusUpdateEvent{
		TaskID: task.ID, Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}, Final: true,
	}})

	require.Eventually(t, h.IsFinal, time.Second, time.Millisecond)
}

func TestGetTask_ReturnsCurrentSnapshot(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	task := newTask(t, store)

	h := streaming.New(task.ID, store, b, time.Hour)
	got, err := h.GetTask()
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestDispose_IsIdempotentAndStopsDelivery(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	task := newTask(t, store)

	h := streaming.New(task.ID, store, b, time.Hour)
	cb, read := collector()
	require.NoError(t, h.Subscribe(cb))

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, time.Millisecond)

	h.Dispose()
	h.Dispose() // idempotent

	b.Publish(task.ID, broker.Update{Status: &a2a.StatusUpdateEvent{TaskID: task.ID, Final: false}})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, read(), 1)
}

func TestMonitoringTimeout_ForciblyUnsubscribes(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	task := newTask(t, store)

	h := streaming.New(task.ID, store, b, 20*time.Millisecond)
	cb, read := collector()
	require.NoError(t, h.Subscribe(cb))

	require.Eventually(t, func() bool { return len(read()) == 1 }, time.Second, time.Millisecond)

	b.Publish(task.ID, broker.Update{Status: &a2a.StatusUpdateEvent{TaskID: task.ID, Final: false}})
	require.Eventually(t, func() bool { return len(read()) == 2 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond) // let the monitoring timeout fire

	b.Publish(task.ID, broker.Update{Status: &a2a.StatusUpdateEvent{TaskID: task.ID, Final: false}})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, read(), 2)
}
