// Package taskstore implements the TaskStore: an in-memory mapping from
// TaskID to Task and ContextID to an ordered set of TaskID, with filtered,
// paginated listing and per-task operation serialization.
package taskstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manno23/a2agateway/internal/a2a"
)

// Sentinel errors, matched with errors.Is by callers translating to wire
// error codes.
var (
	ErrNotFound         = errors.New("taskstore: task not found")
	ErrAlreadyExists    = errors.New("taskstore: task already exists")
	ErrInvalidPageToken = errors.New("taskstore: invalid page token")
)

// ConflictError reports an illegal state transition attempt; state is left
// unchanged.
type ConflictError struct {
	From, To a2a.TaskState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("taskstore: illegal transition %q -> %q", e.From, e.To)
}

// ArtifactAppend controls how AppendArtifact merges into an existing
// artifact id.
type ArtifactAppend struct {
	Append    bool
	LastChunk bool
}

// ListFilter selects and paginates List's results.
type ListFilter struct {
	ContextID        string
	States           map[a2a.TaskState]bool
	UpdatedAfter     time.Time
	PageSize         int
	PageToken        string
	IncludeArtifacts bool
}

// ListResult is List's return value.
type ListResult struct {
	Tasks         []*a2a.Task
	NextPageToken string
	TotalSize     int
}

// record is a task plus the mutex that serializes every mutating operation
// on it, per section 4.5's ordering guarantee.
type record struct {
	mu   sync.Mutex
	task a2a.Task
}

// Store is a concurrency-safe, in-memory TaskStore.
type Store struct {
	mu           sync.RWMutex
	tasks        map[string]*record
	contextIndex map[string][]string // contextID -> ordered taskIDs (creation order)
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tasks:        make(map[string]*record),
		contextIndex: make(map[string][]string),
	}
}

// Create mints a taskId (and a contextId if msg.ContextID is empty), records
// the initial message in history, and writes status "submitted".
func (s *Store) Create(msg a2a.Message, metadata map[string]any) (*a2a.Task, error) {
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	taskID := uuid.NewString()

	now := time.Now().UTC()
	msg.TaskID = taskID
	msg.ContextID = contextID

	task := a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: now,
		},
		History:   []a2a.Message{msg},
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if _, exists := s.tasks[taskID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	s.tasks[taskID] = &record{task: task}
	s.contextIndex[contextID] = append(s.contextIndex[contextID], taskID)
	s.mu.Unlock()

	return task.Clone(), nil
}

// Get retrieves a task snapshot by id. If historyCap > 0, History is
// truncated to the most recent historyCap entries.
func (s *Store) Get(taskID string, historyCap int) (*a2a.Task, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if historyCap > 0 {
		return rec.task.TruncateHistory(historyCap), nil
	}
	return rec.task.Clone(), nil
}

func (s *Store) lookup(taskID string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// SetStatus transitions taskID to state, attaching msg as the status
// message. Returns *ConflictError if the transition is not permitted by the
// state machine.
func (s *Store) SetStatus(taskID string, state a2a.TaskState, msg *a2a.Message) (*a2a.Task, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	current := rec.task.Status.State
	if !a2a.CanTransition(current, state) {
		return nil, &ConflictError{From: current, To: state}
	}

	now := time.Now().UTC()
	rec.task.Status = a2a.TaskStatus{State: state, Message: msg, Timestamp: now}
	rec.task.UpdatedAt = now

	return rec.task.Clone(), nil
}

// AppendHistory appends msg to taskID's history. History is append-only.
func (s *Store) AppendHistory(taskID string, msg a2a.Message) error {
	rec, err := s.lookup(taskID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.task.History = append(rec.task.History, msg)
	rec.task.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendArtifact appends art to taskID's artifacts. When opts.Append is true
// and an artifact with the same ArtifactID already exists, art's parts are
// appended to it rather than adding a new artifact entry.
func (s *Store) AppendArtifact(taskID string, art a2a.Artifact, opts ArtifactAppend) error {
	rec, err := s.lookup(taskID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if opts.Append {
		for i := range rec.task.Artifacts {
			if rec.task.Artifacts[i].ArtifactID == art.ArtifactID {
				rec.task.Artifacts[i].Parts = append(rec.task.Artifacts[i].Parts, art.Parts...)
				rec.task.UpdatedAt = time.Now().UTC()
				return nil
			}
		}
	}

	rec.task.Artifacts = append(rec.task.Artifacts, art)
	rec.task.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel transitions taskID to canceled if it is currently non-final.
// Returns *ConflictError if the task is already in a final state.
func (s *Store) Cancel(taskID string) (*a2a.Task, error) {
	rec, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.task.Status.State.IsTerminal() {
		return nil, &ConflictError{From: rec.task.Status.State, To: a2a.TaskStateCanceled}
	}

	now := time.Now().UTC()
	rec.task.Status = a2a.TaskStatus{State: a2a.TaskStateCanceled, Timestamp: now}
	rec.task.UpdatedAt = now

	return rec.task.Clone(), nil
}

// List returns tasks matching filter, paginated by an opaque server-minted
// token (Open Question in section 9: token format is unspecified; this
// implementation encodes a plain offset). Results are ordered by creation
// time, then task id, so an offset means the same thing across calls.
func (s *Store) List(filter ListFilter) (*ListResult, error) {
	offset, err := decodePageToken(filter.PageToken)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var taskIDs []string
	if filter.ContextID != "" {
		taskIDs = append(taskIDs, s.contextIndex[filter.ContextID]...)
	} else {
		for _, ids := range s.contextIndex {
			taskIDs = append(taskIDs, ids...)
		}
	}

	var matched []*a2a.Task
	for _, id := range taskIDs {
		rec := s.tasks[id]
		rec.mu.Lock()
		t := rec.task
		rec.mu.Unlock()

		if filter.States != nil && !filter.States[t.Status.State] {
			continue
		}
		if !filter.UpdatedAfter.IsZero() && !t.UpdatedAt.After(filter.UpdatedAfter) {
			continue
		}
		clone := t.Clone()
		if !filter.IncludeArtifacts {
			clone.Artifacts = nil
		}
		matched = append(matched, clone)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)

	if offset >= total {
		return &ListResult{TotalSize: total}, nil
	}
	matched = matched[offset:]

	pageSize := filter.PageSize
	var next string
	if pageSize > 0 && pageSize < len(matched) {
		matched = matched[:pageSize]
		next = encodePageToken(offset + pageSize)
	}

	return &ListResult{Tasks: matched, NextPageToken: next, TotalSize: total}, nil
}

// Count returns the number of tasks currently held, regardless of state.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// EvictTerminal removes tasks in a terminal state whose last status
// timestamp is before cutoff, returning the evicted task IDs so callers can
// clean up associated broker/subscription resources.
func (s *Store) EvictTerminal(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, rec := range s.tasks {
		rec.mu.Lock()
		terminal := rec.task.Status.State.IsTerminal()
		before := rec.task.Status.Timestamp.Before(cutoff)
		contextID := rec.task.ContextID
		rec.mu.Unlock()

		if terminal && before {
			delete(s.tasks, id)
			evicted = append(evicted, id)
			s.contextIndex[contextID] = removeID(s.contextIndex[contextID], id)
			if len(s.contextIndex[contextID]) == 0 {
				delete(s.contextIndex, contextID)
			}
		}
	}
	return evicted
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", offset)))
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrInvalidPageToken
	}
	var offset int
	if _, err := fmt.Sscanf(string(raw), "%d", &offset); err != nil {
		return 0, ErrInvalidPageToken
	}
	return offset, nil
}
