// Package lifecycle implements the TaskLifecycle: it owns the state machine
// transitions a task goes through once accepted, delegating the actual work
// to an opaque Processor supplied at construction.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/broker"
	"github.com/manno23/a2agateway/internal/obslog"
	"github.com/manno23/a2agateway/internal/taskstore"
	"github.com/manno23/a2agateway/internal/telemetry"
)

// Result is what a Processor produces at the end of a task's processing.
// Exactly one of the three outcomes applies; NeedsInput and NeedsAuth are
// mutually exclusive and both imply the task is not yet done.
type Result struct {
	// Message, if set, becomes the agent's status message for the
	// transition this result drives.
	Message *a2a.Message

	// Artifacts are appended to the task before the terminal transition.
	Artifacts []a2a.Artifact

	NeedsInput bool
	NeedsAuth  bool
}

// Processor runs a task's agent-side logic. It receives ctx, which is
// canceled if the task is externally canceled; a well-behaved Processor
// returns promptly once ctx is done. Process is called once per task, after
// the submitted→working auto-transition.
type Processor interface {
	Process(ctx context.Context, task *a2a.Task) (Result, error)
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(ctx context.Context, task *a2a.Task) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, task *a2a.Task) (Result, error) {
	return f(ctx, task)
}

// Lifecycle drives tasks through taskstore.Store's state machine, publishing
// every transition to a broker.Broker so subscribers observe it.
type Lifecycle struct {
	store     *taskstore.Store
	publisher *broker.Broker
	processor Processor

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc
}

// New creates a Lifecycle. processor is invoked once per task created
// through Create.
func New(store *taskstore.Store, publisher *broker.Broker, processor Processor) *Lifecycle {
	return &Lifecycle{
		store:     store,
		publisher: publisher,
		processor: processor,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Create stores a new task in the submitted state and returns it
// immediately. The submitted→working transition, and everything the
// processor subsequently does, happens on a background goroutine and is
// observed only through Snapshot/Subscribe or a later Get. ctx's span context
// (if any) is carried into that goroutine so its spans nest under the
// request that created the task, even though the goroutine outlives it.
func (l *Lifecycle) Create(ctx context.Context, msg a2a.Message, metadata map[string]any) (*a2a.Task, error) {
	task, err := l.store.Create(msg, metadata)
	if err != nil {
		return nil, err
	}
	l.startProcessing(ctx, task.ID)
	return task, nil
}

// Snapshot returns the current status/artifact snapshot a new subscriber
// should receive, in the shape broker.Subscribe expects.
func (l *Lifecycle) Snapshot(taskID string) (broker.Update, error) {
	task, err := l.store.Get(taskID, 0)
	if err != nil {
		return broker.Update{}, err
	}
	return statusUpdate(task, task.Status.State.IsTerminal()), nil
}

// Cancel short-circuits the processor (by canceling its context, if still
// running) and transitions the task to canceled. Returns a *taskstore.ConflictError
// if the task already reached a terminal state through some other path —
// natural completion and external cancel race safely because only one
// SetStatus call can win the terminal transition.
func (l *Lifecycle) Cancel(taskID string) (*a2a.Task, error) {
	l.cancelsMu.Lock()
	if cancel, ok := l.cancels[taskID]; ok {
		cancel()
		delete(l.cancels, taskID)
	}
	l.cancelsMu.Unlock()

	task, err := l.store.Cancel(taskID)
	if err != nil {
		return nil, err
	}

	l.publisher.Publish(taskID, statusUpdate(task, true))
	return task, nil
}

func (l *Lifecycle) startProcessing(parentCtx context.Context, taskID string) {
	ctx, cancel := context.WithCancel(telemetry.WithSpanContext(parentCtx))
	l.cancelsMu.Lock()
	l.cancels[taskID] = cancel
	l.cancelsMu.Unlock()

	go func() {
		defer l.forgetCancel(taskID)
		defer cancel()
		l.run(ctx, taskID)
	}()
}

func (l *Lifecycle) forgetCancel(taskID string) {
	l.cancelsMu.Lock()
	delete(l.cancels, taskID)
	l.cancelsMu.Unlock()
}

func (l *Lifecycle) run(ctx context.Context, taskID string) {
	task, err := l.store.SetStatus(taskID, a2a.TaskStateWorking, nil)
	if err != nil {
		// Already canceled or rejected before processing started.
		return
	}
	l.publisher.Publish(taskID, statusUpdate(task, false))

	result, procErr := l.processor.Process(ctx, task)

	switch {
	case procErr != nil:
		l.finish(taskID, a2a.TaskStateFailed, errorMessage(procErr))
	case result.NeedsInput:
		l.transitionNonFinal(taskID, task.ContextID, a2a.TaskStateInputRequired, result)
	case result.NeedsAuth:
		l.transitionNonFinal(taskID, task.ContextID, a2a.TaskStateAuthRequired, result)
	default:
		l.appendArtifacts(taskID, task.ContextID, result.Artifacts)
		l.finish(taskID, a2a.TaskStateCompleted, result.Message)
	}
}

func (l *Lifecycle) transitionNonFinal(taskID, contextID string, state a2a.TaskState, result Result) {
	l.appendArtifacts(taskID, contextID, result.Artifacts)
	task, err := l.store.SetStatus(taskID, state, result.Message)
	if err != nil {
		var conflict *taskstore.ConflictError
		if !errors.As(err, &conflict) {
			obslog.Error("lifecycle: unexpected SetStatus failure", "taskId", taskID, "error", err)
		}
		return
	}
	l.publisher.Publish(taskID, statusUpdate(task, false))
}

func (l *Lifecycle) finish(taskID string, state a2a.TaskState, msg *a2a.Message) {
	task, err := l.store.SetStatus(taskID, state, msg)
	if err != nil {
		// Lost the race to an external Cancel (or a prior terminal
		// transition); whichever SetStatus wins publishes the one terminal
		// event, so this is a silent no-op.
		return
	}
	l.publisher.Publish(taskID, statusUpdate(task, true))
}

func (l *Lifecycle) appendArtifacts(taskID, contextID string, artifacts []a2a.Artifact) {
	for _, art := range artifacts {
		if err := l.store.AppendArtifact(taskID, art, taskstore.ArtifactAppend{}); err != nil {
			obslog.Warn("lifecycle: append artifact failed", "taskId", taskID, "error", err)
			continue
		}
		l.publisher.Publish(taskID, broker.Update{Artifact: &a2a.ArtifactUpdateEvent{
			TaskID:    taskID,
			ContextID: contextID,
			Artifact:  art,
		}})
	}
}

func statusUpdate(task *a2a.Task, final bool) broker.Update {
	return broker.Update{Status: &a2a.StatusUpdateEvent{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     final,
	}}
}

func errorMessage(err error) *a2a.Message {
	return &a2a.Message{
		Role:  a2a.RoleAgent,
		Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: err.Error()}},
	}
}
