package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/broker"
	"github.com/manno23/a2agateway/internal/lifecycle"
	"github.com/manno23/a2agateway/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg() a2a.Message {
	return a2a.Message{MessageID: "m1", Role: a2a.RoleUser, Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: "hi"}}}
}

func subscribe(t *testing.T, store *taskstore.Store, b *broker.Broker, taskID string) (*broker.Handle, func() []broker.Update) {
	t.Helper()
	task, err := store.Get(taskID, 0)
	require.NoError(t, err)
	snapshot := broker.Update{Status: &a2a.StatusUpdateEvent{
		TaskID: task.ID, ContextID: task.ContextID, Status: task.Status, Final: task.Status.State.IsTerminal(),
	}}

	var mu sync.Mutex
	var got []broker.Update
	h := b.Subscribe(taskID, snapshot, func(u broker.Update) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u)
		return nil
	})
	read := func() []broker.Update {
		mu.Lock()
		defer mu.Unlock()
		out := make([]broker.Update, len(got))
		copy(out, got)
		return out
	}
	return h, read
}

func TestCreate_AutoTransitionsToWorking(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	release := make(chan struct{})
	proc := lifecycle.ProcessorFunc(func(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
		<-release
		return lifecycle.Result{}, nil
	})
	lc := lifecycle.New(store, b, proc)

	task, err := lc.Create(context.Background(), newMsg(), nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateSubmitted, task.Status.State)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID, 0)
		return got.Status.State == a2a.TaskStateWorking
	}, time.Second, time.Millisecond)

	close(release)
}

func TestCreate_CompletesWithArtifactsAndTerminalEvent(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	proc := lifecycle.ProcessorFunc(func(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
		return lifecycle.Result{
			Artifacts: []a2a.Artifact{{ArtifactID: "out", Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: "done"}}}},
		}, nil
	})
	lc := lifecycle.New(store, b, proc)

	task, err := lc.Create(context.Background(), newMsg(), nil)
	require.NoError(t, err)

	h, read := subscribe(t, store, b, task.ID)
	defer b.Unsubscribe(h)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID, 0)
		return got.Status.State == a2a.TaskStateCompleted
	}, time.Second, time.Millisecond)

	got, _ := store.Get(task.ID, 0)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "out", got.Artifacts[0].ArtifactID)

	events := read()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final())
	assert.Equal(t, a2a.TaskStateCompleted, last.Status.Status.State)
}

func TestProcessorError_TransitionsFailedWithMessage(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	proc := lifecycle.ProcessorFunc(func(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
		return lifecycle.Result{}, errors.New("boom")
	})
	lc := lifecycle.New(store, b, proc)

	task, _ := lc.Create(context.Background(), newMsg(), nil)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID, 0)
		return got.Status.State == a2a.TaskStateFailed
	}, time.Second, time.Millisecond)

	got, _ := store.Get(task.ID, 0)
	require.NotNil(t, got.Status.Message)
	assert.Equal(t, "boom", got.Status.Message.Parts[0].Text)
}

func TestNeedsInput_TransitionsNonFinalAndKeepsSubscriptionOpen(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	proc := lifecycle.ProcessorFunc(func(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
		return lifecycle.Result{NeedsInput: true}, nil
	})
	lc := lifecycle.New(store, b, proc)

	task, _ := lc.Create(context.Background(), newMsg(), nil)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID, 0)
		return got.Status.State == a2a.TaskStateInputRequired
	}, time.Second, time.Millisecond)

	got, _ := store.Get(task.ID, 0)
	assert.False(t, got.Status.State.IsTerminal())
}

func TestCancel_ShortCircuitsProcessor(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	started := make(chan struct{})
	proc := lifecycle.ProcessorFunc(func(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
		close(started)
		<-ctx.Done()
		return lifecycle.Result{}, ctx.Err()
	})
	lc := lifecycle.New(store, b, proc)

	task, _ := lc.Create(context.Background(), newMsg(), nil)
	<-started

	got, err := lc.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, got.Status.State)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID, 0)
		return got.Status.State == a2a.TaskStateCanceled
	}, time.Second, time.Millisecond)
}

func TestCancel_AfterNaturalCompletionIsConflict(t *testing.T) {
	store := taskstore.New()
	b := broker.New(broker.DefaultQueueCapacity)
	proc := lifecycle.ProcessorFunc(func(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
		return lifecycle.Result{}, nil
	})
	lc := lifecycle.New(store, b, proc)

	task, _ := lc.Create(context.Background(), newMsg(), nil)

	require.Eventually(t, func() bool {
		got, _ := store.Get(task.ID, 0)
		return got.Status.State == a2a.TaskStateCompleted
	}, time.Second, time.Millisecond)

	_, err := lc.Cancel(task.ID)
	require.Error(t, err)
	var conflict *taskstore.ConflictError
	require.ErrorAs(t, err, &conflict)
}
