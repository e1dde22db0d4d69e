// Package a2a defines the wire-level data model shared by every component of
// the protocol server: tasks, messages, parts, update events, and the
// JSON-RPC envelope that carries them over the duplex socket.
package a2a

import (
	"encoding/json"
	"time"
)

// TaskState is one of the closed set of lifecycle states a Task can occupy.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
)

// TerminalStates are the states from which no further transition is allowed.
var TerminalStates = map[TaskState]bool{
	TaskStateCompleted: true,
	TaskStateCanceled:  true,
	TaskStateFailed:    true,
	TaskStateRejected:  true,
}

// IsTerminal reports whether s is a final state.
func (s TaskState) IsTerminal() bool {
	return TerminalStates[s]
}

// ValidTransitions enumerates the state machine of section 4.6: for each
// source state, the set of states a transition may land on.
var ValidTransitions = map[TaskState]map[TaskState]bool{
	TaskStateSubmitted: {
		TaskStateWorking:  true,
		TaskStateRejected: true,
	},
	TaskStateWorking: {
		TaskStateInputRequired: true,
		TaskStateAuthRequired:  true,
		TaskStateCompleted:     true,
		TaskStateCanceled:      true,
		TaskStateFailed:        true,
	},
	TaskStateInputRequired: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateFailed:   true,
	},
	TaskStateAuthRequired: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateFailed:   true,
	},
}

// CanTransition reports whether from → to is allowed by the state machine.
func CanTransition(from, to TaskState) bool {
	if from.IsTerminal() {
		return false
	}
	return ValidTransitions[from][to]
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind identifies the shape of a Part's payload.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindFile PartKind = "file"
	PartKindData PartKind = "data"
)

// FilePart carries a file-shaped Part's payload: either inline bytes or a
// URI reference, never both.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
}

// Part is one unit of a Message's content.
type Part struct {
	Kind     PartKind        `json:"kind"`
	Text     string          `json:"text,omitempty"`
	File     *FilePart       `json:"file,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Message is one turn of conversation attached to a task or sent standalone.
type Message struct {
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus is a task's current lifecycle state plus the message (if any)
// that accompanied the most recent transition.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a named output produced by a task, possibly across several
// appended chunks sharing the same ArtifactID.
type Artifact struct {
	ArtifactID string         `json:"artifactId"`
	Name       string         `json:"name,omitempty"`
	Parts      []Part         `json:"parts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Task is the central entity: a unit of work with a lifecycle, an append-only
// message history, and an append-only set of artifacts.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep-enough copy of t suitable for handing to a caller
// without risking a data race with concurrent lifecycle mutations. Slices
// and the metadata map are copied; Part.Data (json.RawMessage) is treated as
// immutable once constructed, matching how the sanitizer produces it.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.History != nil {
		c.History = append([]Message(nil), t.History...)
	}
	if t.Artifacts != nil {
		c.Artifacts = append([]Artifact(nil), t.Artifacts...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TruncateHistory returns a copy of t whose History holds at most n of the
// most recent entries. n <= 0 means unlimited (no truncation).
func (t *Task) TruncateHistory(n int) *Task {
	c := t.Clone()
	if n > 0 && len(c.History) > n {
		c.History = append([]Message(nil), c.History[len(c.History)-n:]...)
	}
	return c
}

// StatusUpdateEvent is pushed by the UpdateBroker whenever a task's status
// changes. Final is true for exactly one event per subscription, and it is
// chronologically last.
type StatusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// ArtifactUpdateEvent is pushed by the UpdateBroker when a task produces or
// extends an artifact.
type ArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append"`
	LastChunk bool     `json:"lastChunk"`
	Final     bool     `json:"final"`
}

// JSONRPCRequest is a decoded request frame.
type JSONRPCRequest struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is the error member of a response frame.
type JSONRPCError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSONRPCResponse is an encoded response (or server-push request) frame.
type JSONRPCResponse struct {
	ID     any             `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *JSONRPCError   `json:"error,omitempty"`
}

// RPC method names, per the external interface table.
const (
	MethodGetAgentCard     = "getAgentCard"
	MethodAuthenticate     = "authenticate"
	MethodSendMessage      = "sendMessage"
	MethodSendStreaming    = "sendMessageStreaming"
	MethodGetTask          = "getTask"
	MethodListTasks        = "listTasks"
	MethodCancelTask       = "cancelTask"
	MethodSubscribePush    = "subscribeToPushNotifications"
	MethodOnStatusUpdate   = "onStatusUpdate"
	MethodOnArtifactUpdate = "onArtifactUpdate"
)

// Wire error codes.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// AgentCard is the discovery document served at /.well-known/agent.json.
// Its shape is out of core scope; fields here are the minimum a reference
// HTTP side channel needs to serve something coherent.
type AgentCard struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url"`
	Version     string   `json:"version,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}
