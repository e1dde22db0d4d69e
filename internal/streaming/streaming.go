// Package streaming implements the StreamingTaskHandle: a thin wrapper
// around one UpdateBroker subscription that opens lazily, so the RPC
// dispatcher can hand one out before the caller has decided whether it will
// actually consume events.
package streaming

import (
	"errors"
	"sync"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/broker"
	"github.com/manno23/a2agateway/internal/obslog"
	"github.com/manno23/a2agateway/internal/taskstore"
)

// DefaultMonitoringTimeout bounds how long a handle may stay subscribed
// before being forcibly closed, per section 4.8 / MONITORING_TIMEOUT_MS.
const DefaultMonitoringTimeout = time.Hour

// ErrAlreadySubscribed is returned by Subscribe if called more than once on
// the same handle.
var ErrAlreadySubscribed = errors.New("streaming: handle already subscribed")

// Handle wraps one task's push-update subscription. The zero value is not
// usable; construct with New.
type Handle struct {
	taskID            string
	store             *taskstore.Store
	publisher         *broker.Broker
	monitoringTimeout time.Duration

	mu      sync.Mutex
	brokerH *broker.Handle
	final   bool
	timer   *time.Timer
	closed  bool
}

// New creates a handle for taskID. It does not touch the broker until
// Subscribe is called.
func New(taskID string, store *taskstore.Store, publisher *broker.Broker, monitoringTimeout time.Duration) *Handle {
	if monitoringTimeout <= 0 {
		monitoringTimeout = DefaultMonitoringTimeout
	}
	return &Handle{
		taskID:            taskID,
		store:             store,
		publisher:         publisher,
		monitoringTimeout: monitoringTimeout,
	}
}

// Subscribe opens the underlying broker subscription and delivers every
// subsequent update (including the initial snapshot) to callback. It may be
// called at most once per handle.
func (h *Handle) Subscribe(callback broker.Callback) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.brokerH != nil || h.closed {
		return ErrAlreadySubscribed
	}

	task, err := h.store.Get(h.taskID, 0)
	if err != nil {
		return err
	}
	snapshot := broker.Update{Status: &a2a.StatusUpdateEvent{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     task.Status.State.IsTerminal(),
	}}

	h.brokerH = h.publisher.Subscribe(h.taskID, snapshot, func(u broker.Update) error {
		err := callback(u)
		if u.Final() {
			h.mu.Lock()
			h.final = true
			h.mu.Unlock()
		}
		return err
	})
	h.timer = time.AfterFunc(h.monitoringTimeout, h.onTimeout)

	return nil
}

func (h *Handle) onTimeout() {
	obslog.Warn("streaming: monitoring timeout reached, forcibly unsubscribing", "taskId", h.taskID)
	h.mu.Lock()
	h.final = true
	h.mu.Unlock()
	h.Dispose()
}

// GetTask returns the task's current snapshot.
func (h *Handle) GetTask() (*a2a.Task, error) {
	return h.store.Get(h.taskID, 0)
}

// IsFinal reports whether the subscription has already delivered the
// task's terminal event, or has been closed by the monitoring timeout.
func (h *Handle) IsFinal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final
}

// Dispose releases the broker subscription and stops the monitoring timer.
// Idempotent.
func (h *Handle) Dispose() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	bh := h.brokerH
	timer := h.timer
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if bh != nil {
		h.publisher.Unsubscribe(bh)
	}
}
