// Package broker implements the UpdateBroker: a per-task publish/subscribe
// hub with bounded per-subscriber queues, a slow-subscriber drop policy,
// late-joiner snapshot replay, and an idempotent terminal event.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/obslog"
)

// Update is one event distributed by the broker: either a status update or
// an artifact update, never both.
type Update struct {
	Status   *a2a.StatusUpdateEvent
	Artifact *a2a.ArtifactUpdateEvent
}

// Final reports whether this update carries the task's terminal event.
func (u Update) Final() bool {
	if u.Status != nil {
		return u.Status.Final
	}
	if u.Artifact != nil {
		return u.Artifact.Final
	}
	return false
}

// Callback is the subscriber-supplied delivery target. It models the
// capability reference of section 9's design notes: an opaque invocation
// target reached through the transport's back-channel. A returned error (or
// a panic, recovered internally) causes the subscription to be dropped; it
// is never fatal to the task or to other subscribers.
type Callback func(Update) error

// DefaultQueueCapacity is the default bound on a subscription's delivery
// queue (section 4.7 / SUBSCRIBER_QUEUE_CAPACITY).
const DefaultQueueCapacity = 64

// Handle identifies a live subscription for Unsubscribe.
type Handle struct {
	taskID string
	sub    *subscription
}

// subscription is one callback's bounded delivery queue and bookkeeping.
type subscription struct {
	callback Callback

	mu           sync.Mutex
	buf          []Update
	capacity     int
	droppedCount int64
	terminalSeen bool
	closed       bool

	signal chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func newSubscription(cb Callback, capacity int) *subscription {
	return &subscription{
		callback: cb,
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// enqueue appends u to the subscription's queue, evicting the oldest
// non-terminal entry if the queue is full. The terminal event is never
// dropped. Returns false if the subscription is already closed.
func (s *subscription) enqueue(u Update) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.buf) >= s.capacity && len(s.buf) > 0 {
		s.buf = s.buf[1:]
		atomic.AddInt64(&s.droppedCount, 1)
	}
	s.buf = append(s.buf, u)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// DroppedCount returns the number of non-terminal events evicted from this
// subscription's queue due to overflow.
func (s *subscription) DroppedCount() int64 {
	return atomic.LoadInt64(&s.droppedCount)
}

func (s *subscription) pop() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return Update{}, false
	}
	u := s.buf[0]
	s.buf = s.buf[1:]
	return u, true
}

// run drains the subscription's queue, invoking callback for each update in
// order. It exits after delivering the terminal event, if callback fails, or
// if stopCh is closed.
func (s *subscription) run() {
	defer close(s.done)
	for {
		for {
			u, ok := s.pop()
			if !ok {
				break
			}
			if !s.invoke(u) {
				return
			}
			if u.Final() {
				s.markTerminal()
				return
			}
		}
		select {
		case <-s.stopCh:
			return
		case <-s.signal:
		}
	}
}

func (s *subscription) invoke(u Update) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			obslog.Warn("broker: subscriber callback panicked", "recover", r)
			ok = false
		}
	}()
	if err := s.callback(u); err != nil {
		obslog.Warn("broker: subscriber callback failed", "error", err)
		return false
	}
	return true
}

func (s *subscription) markTerminal() {
	s.mu.Lock()
	s.terminalSeen = true
	s.closed = true
	s.mu.Unlock()
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
}

// topic is the per-task broadcast state. All mutation of subs and closed
// happens under mu, making the topic single-writer: only one goroutine at a
// time distributes an event or changes subscriber membership, preserving
// per-task event ordering across subscribers.
type topic struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Broker is a concurrency-safe UpdateBroker. Multiple topics (tasks)
// proceed independently; each topic serializes its own publishes and
// subscriptions.
type Broker struct {
	queueCapacity int

	mu     sync.Mutex
	topics map[string]*topic
}

// New creates a Broker whose subscriptions are bounded to queueCapacity
// events.
func New(queueCapacity int) *Broker {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Broker{
		queueCapacity: queueCapacity,
		topics:        make(map[string]*topic),
	}
}

func (b *Broker) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[taskID] = t
	}
	return t
}

// Publish broadcasts update to every current subscriber of taskID. If
// update is final, the topic is closed after delivery and every subsequent
// Publish for taskID is a silent no-op (terminal idempotence, per section 9).
func (b *Broker) Publish(taskID string, update Update) {
	t := b.topicFor(taskID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	for sub := range t.subs {
		if !sub.enqueue(update) {
			delete(t.subs, sub)
		}
	}

	if update.Final() {
		t.closed = true
	}
}

// Subscribe registers callback for taskID's updates, delivering snapshot as
// the first event. snapshot is computed by the caller from the task's
// current persisted status (the broker does not itself track task state);
// if snapshot.Final() is true, the subscription is closed immediately after
// delivering it and never added to the topic's active set.
func (b *Broker) Subscribe(taskID string, snapshot Update, callback Callback) *Handle {
	t := b.topicFor(taskID)
	sub := newSubscription(callback, b.queueCapacity)

	// Enqueue the snapshot and register the subscription in the same
	// t.mu-held section: Publish also holds t.mu while it enqueues to every
	// registered subscriber, so this ordering guarantees the snapshot is
	// always the first element in sub's queue, never raced by a concurrent
	// Publish landing first.
	t.mu.Lock()
	sub.enqueue(snapshot)
	if !snapshot.Final() {
		t.subs[sub] = struct{}{}
	}
	t.mu.Unlock()

	go sub.run()

	return &Handle{taskID: taskID, sub: sub}
}

// Unsubscribe removes the subscription identified by h. Idempotent.
func (b *Broker) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	b.mu.Lock()
	t, ok := b.topics[h.taskID]
	b.mu.Unlock()
	if ok {
		t.mu.Lock()
		delete(t.subs, h.sub)
		t.mu.Unlock()
	}
	h.sub.stop()
}

// DroppedCount returns the number of non-terminal events dropped from h's
// queue due to overflow.
func (b *Broker) DroppedCount(h *Handle) int64 {
	return h.sub.DroppedCount()
}

// Wait blocks until h's subscription has terminated: it received the
// terminal event, its callback failed, or it was unsubscribed. Intended for
// tests; production callers observe termination through the callback itself.
func (h *Handle) Wait() {
	<-h.sub.done
}

// EvictClosedTopics removes topics whose terminal event has already been
// delivered, bounding the broker's map growth. Safe to call periodically
// from a background sweep, mirroring the eviction loop pattern used
// elsewhere in the gateway.
func (b *Broker) EvictClosedTopics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		t.mu.Lock()
		closed := t.closed && len(t.subs) == 0
		t.mu.Unlock()
		if closed {
			delete(b.topics, id)
		}
	}
}
