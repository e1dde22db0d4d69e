// Package rpc implements the RpcDispatcher: the method-name-keyed request
// router sitting behind the duplex socket. It binds sessions to connections,
// enforces the public/authenticated method tiers, consumes one rate-limit
// point per authenticated call, and translates component errors to the wire
// error codes in section 6.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/broker"
	"github.com/manno23/a2agateway/internal/lifecycle"
	"github.com/manno23/a2agateway/internal/ratelimit"
	"github.com/manno23/a2agateway/internal/sanitize"
	"github.com/manno23/a2agateway/internal/session"
	"github.com/manno23/a2agateway/internal/streaming"
	"github.com/manno23/a2agateway/internal/taskstore"
	stderrors "github.com/manno23/a2agateway/pkg/errors"
)

// Pusher delivers a server-initiated frame (onStatusUpdate, onArtifactUpdate)
// down a connection. The transport supplies the implementation; rpc never
// touches a socket directly.
type Pusher interface {
	Push(method string, params any) error
}

// Conn is the dispatcher's view of one duplex connection: the session it may
// have bound via authenticate, and the streaming handles opened on it so they
// can be torn down together when the connection closes.
type Conn struct {
	ID     string
	pusher Pusher

	mu       sync.Mutex
	session  *session.Session
	handles  []*streaming.Handle
}

// NewConn creates a Conn. id should be stable and unique for the connection's
// lifetime (used as the session's BoundConnection marker).
func NewConn(id string, pusher Pusher) *Conn {
	return &Conn{ID: id, pusher: pusher}
}

func (c *Conn) boundSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) bindSession(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Conn) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
}

func (c *Conn) track(h *streaming.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, h)
}

// Close disposes every streaming handle opened on this connection. Call it
// once the underlying socket is gone.
func (c *Conn) Close() {
	c.mu.Lock()
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()

	for _, h := range handles {
		h.Dispose()
	}
}

// paramsError marks a request whose params were missing or malformed.
type paramsError struct{ detail string }

func (e *paramsError) Error() string { return fmt.Sprintf("invalid params: %s", e.detail) }

// authError marks a request that failed session gating.
type authError struct{ detail string }

func (e *authError) Error() string { return fmt.Sprintf("unauthorized: %s", e.detail) }

type methodEntry struct {
	handler func(d *Dispatcher, ctx context.Context, conn *Conn, params json.RawMessage) (any, error)
	public  bool
}

// Dispatcher routes decoded request frames to handlers, per the external
// interface table of section 6. It holds no per-connection state itself;
// that lives on Conn.
type Dispatcher struct {
	sessions          *session.Registry
	sessionTTL        time.Duration
	limiter           *ratelimit.Limiter
	sanitizer         *sanitize.Sanitizer
	store             *taskstore.Store
	lifecycle         *lifecycle.Lifecycle
	broker            *broker.Broker
	monitoringTimeout time.Duration
	card              a2a.AgentCard
}

// New creates a Dispatcher wired to the given components.
func New(
	sessions *session.Registry,
	sessionTTL time.Duration,
	limiter *ratelimit.Limiter,
	sanitizer *sanitize.Sanitizer,
	store *taskstore.Store,
	lc *lifecycle.Lifecycle,
	b *broker.Broker,
	monitoringTimeout time.Duration,
	card a2a.AgentCard,
) *Dispatcher {
	return &Dispatcher{
		sessions:          sessions,
		sessionTTL:        sessionTTL,
		limiter:           limiter,
		sanitizer:         sanitizer,
		store:             store,
		lifecycle:         lc,
		broker:            b,
		monitoringTimeout: monitoringTimeout,
		card:              card,
	}
}

var methodTable = map[string]methodEntry{
	a2a.MethodGetAgentCard:  {handler: (*Dispatcher).handleGetAgentCard, public: true},
	a2a.MethodAuthenticate:  {handler: (*Dispatcher).handleAuthenticate, public: true},
	a2a.MethodSendMessage:   {handler: (*Dispatcher).handleSendMessage},
	a2a.MethodSendStreaming: {handler: (*Dispatcher).handleSendMessageStreaming},
	a2a.MethodGetTask:       {handler: (*Dispatcher).handleGetTask},
	a2a.MethodListTasks:     {handler: (*Dispatcher).handleListTasks},
	a2a.MethodCancelTask:    {handler: (*Dispatcher).handleCancelTask},
	a2a.MethodSubscribePush: {handler: (*Dispatcher).handleSubscribe},
}

// Dispatch routes req to its handler, enforcing the method's tier, and
// returns a fully-formed response frame. It never panics: handler errors and
// unknown methods both produce a well-formed JSONRPCError.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, req a2a.JSONRPCRequest) a2a.JSONRPCResponse {
	entry, ok := methodTable[req.Method]
	if !ok {
		return errorResponse(req.ID, a2a.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}

	if !entry.public {
		sess := conn.boundSession()
		if sess == nil {
			return errorResponse(req.ID, a2a.CodeUnauthorized, "no authenticated session bound to this connection", nil)
		}
		if !d.sessions.Extend(sess.ID, d.sessionTTL) {
			conn.clearSession()
			return errorResponse(req.ID, a2a.CodeUnauthorized, "session expired", nil)
		}

		result := d.limiter.Consume(sess.Principal, 1)
		if !result.Allowed {
			return errorResponse(req.ID, a2a.CodeRateLimited, "rate limit exceeded", map[string]any{
				"retryAfterSeconds": result.RetryAfter.Seconds(),
			})
		}
	}

	out, err := entry.handler(d, ctx, conn, req.Params)
	if err != nil {
		return d.toErrorResponse(req.ID, err)
	}
	return d.successResponse(req.ID, out)
}

func (d *Dispatcher) handleGetAgentCard(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	return d.card, nil
}

func (d *Dispatcher) handleAuthenticate(_ context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, &paramsError{"sessionId is required"}
	}

	sess := d.sessions.Validate(p.SessionID)
	if sess == nil {
		return nil, &authError{"invalid or expired sessionId"}
	}
	if !d.sessions.BindConnection(p.SessionID, conn.ID) {
		return nil, &authError{"invalid or expired sessionId"}
	}
	d.sessions.Extend(p.SessionID, d.sessionTTL)
	conn.bindSession(sess)

	return map[string]any{"principal": sess.Principal, "permissions": sess.Permissions}, nil
}

type sendMessageParams struct {
	Message  a2a.Message    `json:"message"`
	Config   map[string]any `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p sendMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &paramsError{err.Error()}
	}

	clean, err := d.sanitizer.Sanitize(p.Message)
	if err != nil {
		return nil, err
	}

	task, err := d.lifecycle.Create(ctx, clean, p.Metadata)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (d *Dispatcher) handleSendMessageStreaming(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var p sendMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &paramsError{err.Error()}
	}

	clean, err := d.sanitizer.Sanitize(p.Message)
	if err != nil {
		return nil, err
	}

	task, err := d.lifecycle.Create(ctx, clean, p.Metadata)
	if err != nil {
		return nil, err
	}

	h := streaming.New(task.ID, d.store, d.broker, d.monitoringTimeout)
	if err := h.Subscribe(d.pushCallback(conn)); err != nil {
		return nil, err
	}
	conn.track(h)

	return task, nil
}

func (d *Dispatcher) handleSubscribe(_ context.Context, conn *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return nil, &paramsError{"taskId is required"}
	}

	h := streaming.New(p.TaskID, d.store, d.broker, d.monitoringTimeout)
	if err := h.Subscribe(d.pushCallback(conn)); err != nil {
		return nil, err
	}
	conn.track(h)

	return map[string]any{"ok": true}, nil
}

// pushCallback turns a broker.Update into an onStatusUpdate/onArtifactUpdate
// frame delivered through conn's Pusher; this is the invoke(callbackId,
// event) back-channel of section 9's capability-callback design note, with
// the connection itself standing in for the callback id.
func (d *Dispatcher) pushCallback(conn *Conn) broker.Callback {
	return func(u broker.Update) error {
		switch {
		case u.Status != nil:
			return conn.pusher.Push(a2a.MethodOnStatusUpdate, u.Status)
		case u.Artifact != nil:
			return conn.pusher.Push(a2a.MethodOnArtifactUpdate, u.Artifact)
		default:
			return nil
		}
	}
}

func (d *Dispatcher) handleGetTask(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID        string `json:"taskId"`
		HistoryLength int    `json:"historyLength,omitempty"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return nil, &paramsError{"taskId is required"}
	}

	task, err := d.store.Get(p.TaskID, p.HistoryLength)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (d *Dispatcher) handleCancelTask(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return nil, &paramsError{"taskId is required"}
	}

	task, err := d.lifecycle.Cancel(p.TaskID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

type listTasksParams struct {
	ContextID        string     `json:"contextId,omitempty"`
	States           []string   `json:"states,omitempty"`
	PageSize         int        `json:"pageSize,omitempty"`
	PageToken        string     `json:"pageToken,omitempty"`
	HistoryLength    int        `json:"historyLength,omitempty"`
	LastUpdatedAfter *time.Time `json:"lastUpdatedAfter,omitempty"`
	IncludeArtifacts bool       `json:"includeArtifacts,omitempty"`
}

func (d *Dispatcher) handleListTasks(_ context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var p listTasksParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &paramsError{err.Error()}
		}
	}

	filter := taskstore.ListFilter{
		ContextID:        p.ContextID,
		PageSize:         p.PageSize,
		PageToken:        p.PageToken,
		IncludeArtifacts: p.IncludeArtifacts,
	}
	if len(p.States) > 0 {
		filter.States = make(map[a2a.TaskState]bool, len(p.States))
		for _, s := range p.States {
			filter.States[a2a.TaskState(s)] = true
		}
	}
	if p.LastUpdatedAfter != nil {
		filter.UpdatedAfter = *p.LastUpdatedAfter
	}

	result, err := d.store.List(filter)
	if err != nil {
		return nil, err
	}

	if p.HistoryLength > 0 {
		for i, t := range result.Tasks {
			result.Tasks[i] = t.TruncateHistory(p.HistoryLength)
		}
	}

	return map[string]any{
		"tasks":         result.Tasks,
		"nextPageToken": result.NextPageToken,
		"totalSize":     result.TotalSize,
	}, nil
}

// successResponse encodes a handler's result. A marshal failure is itself
// routed through toErrorResponse as a ContextualError carrying KindInternal,
// so it picks up the same wire-code translation every other component error
// does rather than a hardcoded special case.
func (d *Dispatcher) successResponse(id any, result any) a2a.JSONRPCResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return d.toErrorResponse(id, stderrors.New("rpc", "encodeResult", err).WithKind(stderrors.KindInternal))
	}
	return a2a.JSONRPCResponse{ID: id, Result: raw}
}

func errorResponse(id any, code, message string, details map[string]any) a2a.JSONRPCResponse {
	return a2a.JSONRPCResponse{ID: id, Error: &a2a.JSONRPCError{Code: code, Message: message, Details: details}}
}

// toErrorResponse maps a handler error to its wire error code. Each
// component's own error type is checked directly; a *stderrors.ContextualError
// falls through to its Kind field.
func (d *Dispatcher) toErrorResponse(id any, err error) a2a.JSONRPCResponse {
	var pe *paramsError
	if errors.As(err, &pe) {
		return errorResponse(id, a2a.CodeInvalidParams, err.Error(), nil)
	}

	var ae *authError
	if errors.As(err, &ae) {
		return errorResponse(id, a2a.CodeUnauthorized, err.Error(), nil)
	}

	var ve *sanitize.ValidationError
	if errors.As(err, &ve) {
		return errorResponse(id, a2a.CodeValidationFailed, err.Error(), map[string]any{"rule": ve.Rule})
	}

	var ce *taskstore.ConflictError
	if errors.As(err, &ce) {
		return errorResponse(id, a2a.CodeConflict, err.Error(), map[string]any{
			"from": string(ce.From), "to": string(ce.To),
		})
	}

	if errors.Is(err, taskstore.ErrNotFound) {
		return errorResponse(id, a2a.CodeNotFound, err.Error(), nil)
	}
	if errors.Is(err, taskstore.ErrInvalidPageToken) {
		return errorResponse(id, a2a.CodeInvalidParams, err.Error(), nil)
	}

	var le *ratelimit.LimitExceededError
	if errors.As(err, &le) {
		return errorResponse(id, a2a.CodeRateLimited, err.Error(), map[string]any{
			"retryAfterSeconds": le.RetryAfter.Seconds(),
		})
	}

	if errors.Is(err, streaming.ErrAlreadySubscribed) {
		return errorResponse(id, a2a.CodeConflict, err.Error(), nil)
	}

	var cerr *stderrors.ContextualError
	if errors.As(err, &cerr) {
		return errorResponse(id, kindToCode(cerr.Kind), err.Error(), cerr.Details)
	}

	return errorResponse(id, a2a.CodeInternalError, err.Error(), nil)
}

func kindToCode(k stderrors.Kind) string {
	switch k {
	case stderrors.KindValidation:
		return a2a.CodeValidationFailed
	case stderrors.KindAuthorization:
		return a2a.CodeUnauthorized
	case stderrors.KindRate:
		return a2a.CodeRateLimited
	case stderrors.KindConflict:
		return a2a.CodeConflict
	case stderrors.KindNotFound:
		return a2a.CodeNotFound
	default:
		return a2a.CodeInternalError
	}
}
