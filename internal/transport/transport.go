// Package transport implements the duplex socket framing: length-delimited
// JSON text frames over a net.Conn, per section 6's Transport note. Each
// accepted connection gets one reader goroutine parsing request frames and
// one writer path (guarded by a mutex, since server push frames and request
// responses share the same wire) producing response/push frames.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/obslog"
	"github.com/manno23/a2agateway/internal/rpc"
)

// frameHeaderBytes is the fixed-width big-endian length prefix preceding
// every frame's JSON payload.
const frameHeaderBytes = 4

// DefaultMaxFrameBytes bounds a single frame's payload size, independent of
// (and somewhat larger than) the sanitizer's message-size limit, to leave
// room for JSON-RPC envelope overhead.
const DefaultMaxFrameBytes = 4 << 20

// ErrFrameTooLarge is returned by readFrame when a frame's declared length
// exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [frameHeaderBytes]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var hdr [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if maxBytes > 0 && int(n) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// socketConn adapts a net.Conn to rpc.Pusher, serializing every frame write
// (responses and server pushes alike) behind one mutex.
type socketConn struct {
	nc       net.Conn
	writeMu  sync.Mutex
	maxBytes int
}

func (c *socketConn) Push(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(a2a.JSONRPCResponse{Method: method, Result: raw})
}

func (c *socketConn) write(resp a2a.JSONRPCResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.nc, payload)
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConns caps the number of simultaneously handled connections;
// connections beyond the cap are accepted and immediately closed.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

// WithRequestTimeout sets the read/write deadline applied around each
// request/response exchange. Zero disables deadlines.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithMaxFrameBytes overrides DefaultMaxFrameBytes.
func WithMaxFrameBytes(n int) Option {
	return func(s *Server) { s.maxFrameBytes = n }
}

// Server accepts connections and, for each, reads request frames and hands
// them to a rpc.Dispatcher, writing back its response frame. Server push
// frames (status/artifact updates) are written on the same connection by the
// dispatcher's handlers via the rpc.Pusher each Conn is given.
type Server struct {
	dispatcher *rpc.Dispatcher

	maxConns       int
	requestTimeout time.Duration
	maxFrameBytes  int

	connSemaphore chan struct{}
	nextConnID    uint64
}

const defaultMaxConns = 1000

// NewServer creates a Server dispatching through d.
func NewServer(d *rpc.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher:    d,
		maxConns:      defaultMaxConns,
		maxFrameBytes: DefaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connSemaphore = make(chan struct{}, s.maxConns)
	return s
}

// Serve accepts connections from listener until ctx is canceled or Accept
// fails. It blocks; run it in its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept failed: %w", err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-s.connSemaphore }()
				s.handleConnection(ctx, c)
			}(conn)
		default:
			_ = conn.Close()
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	defer func() { _ = nc.Close() }()
	defer func() {
		if r := recover(); r != nil {
			obslog.Error("transport: recovered panic in connection handler", "panic", r)
		}
	}()

	connID := fmt.Sprintf("conn-%d", atomic.AddUint64(&s.nextConnID, 1))
	sc := &socketConn{nc: nc, maxBytes: s.maxFrameBytes}
	conn := rpc.NewConn(connID, sc)
	defer conn.Close()

	for {
		if s.requestTimeout > 0 {
			if err := nc.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
				return
			}
		}

		payload, err := readFrame(nc, s.maxFrameBytes)
		if err != nil {
			return
		}

		var req a2a.JSONRPCRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = sc.write(a2a.JSONRPCResponse{
				Error: &a2a.JSONRPCError{Code: a2a.CodeInvalidParams, Message: "malformed request frame"},
			})
			continue
		}

		if s.requestTimeout > 0 {
			if err := nc.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
				return
			}
		}

		resp := s.dispatcher.Dispatch(ctx, conn, req)
		if err := sc.write(resp); err != nil {
			return
		}
	}
}
