package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nearkey/signer-core/internal/svcerr"
)

const (
	// ProtocolVersion is advertised in the READY handshake.
	ProtocolVersion = 1

	// DefaultRequestTimeout is applied to a Request call whose context
	// carries no deadline of its own, per spec.md §4.12.
	DefaultRequestTimeout = 20 * time.Second
	// DefaultConnectTimeout bounds the CONNECT/READY handshake.
	DefaultConnectTimeout = 8 * time.Second
)

// Handler executes an incoming REQUEST frame's command on the trusted
// (wallet) side and returns the response payload.
type Handler func(ctx context.Context, command Command, payload json.RawMessage) (json.RawMessage, error)

// Transport is one end of the Isolation Transport: it owns a single
// io.ReadWriteCloser pipe and serializes every frame written to it,
// dispatching inbound RESPONSE/ERROR_FRAME frames to whichever Request call
// is waiting on their correlation id and inbound REQUEST frames to Handler.
type Transport struct {
	conn    io.ReadWriteCloser
	handler Handler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	readyCh chan Frame
	closed  bool
}

// New wraps conn as a Transport endpoint. handler may be nil on the
// application side, which never receives REQUEST frames.
func New(conn io.ReadWriteCloser, handler Handler) *Transport {
	return &Transport{
		conn:    conn,
		handler: handler,
		pending: make(map[string]chan Frame),
		readyCh: make(chan Frame, 1),
	}
}

// Run reads frames from the underlying connection until it errors, the
// connection closes, or ctx is cancelled. Callers run this in its own
// goroutine; it returns nil on a clean peer-initiated close.
func (t *Transport) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	for {
		frame, err := readFrame(t.conn)
		if err != nil {
			t.rejectAllPending(err)
			if err == io.EOF {
				return nil
			}
			return err
		}
		t.dispatch(ctx, frame)
	}
}

func (t *Transport) dispatch(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameReady:
		select {
		case t.readyCh <- frame:
		default:
		}
	case FrameResponse, FrameError:
		t.mu.Lock()
		waiter, ok := t.pending[frame.CorrelationID]
		if ok {
			delete(t.pending, frame.CorrelationID)
		}
		t.mu.Unlock()
		if ok {
			waiter <- frame
		}
	case FrameRequest:
		go t.handleRequest(ctx, frame)
	case FrameConnect:
		_ = t.writeFrame(Frame{Type: FrameReady, ProtocolVersion: ProtocolVersion})
	}
}

func (t *Transport) handleRequest(ctx context.Context, frame Frame) {
	if t.handler == nil {
		_ = t.writeFrame(Frame{
			Type:          FrameError,
			CorrelationID: frame.CorrelationID,
			Error:         &FrameErrorBody{Code: string(svcerr.CodeIPCNotReady), Message: "this endpoint accepts no requests"},
		})
		return
	}

	result, err := t.handler(ctx, frame.Command, frame.Payload)
	if err != nil {
		body := &FrameErrorBody{Message: err.Error()}
		if svcErr, ok := svcerr.As(err); ok {
			body.Code = string(svcErr.Code)
			body.Details = svcErr.Details
		} else {
			body.Code = string(svcerr.CodeIPCNotReady)
		}
		_ = t.writeFrame(Frame{Type: FrameError, CorrelationID: frame.CorrelationID, Error: body})
		return
	}
	_ = t.writeFrame(Frame{Type: FrameResponse, CorrelationID: frame.CorrelationID, Payload: result})
}

func (t *Transport) writeFrame(f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return writeFrame(t.conn, f)
}

// Connect performs the application side of the handshake: send CONNECT,
// wait for READY, and return the wallet's advertised protocol version.
func (t *Transport) Connect(ctx context.Context) (int, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	if err := t.writeFrame(Frame{Type: FrameConnect}); err != nil {
		return 0, err
	}
	select {
	case frame := <-t.readyCh:
		return frame.ProtocolVersion, nil
	case <-ctx.Done():
		return 0, svcerr.New(svcerr.CodeIPCTimeout, "timed out waiting for READY")
	}
}

// Request sends a command and blocks for its response, honoring
// DefaultRequestTimeout when ctx carries no deadline. Cancellation removes
// the pending correlation entry; if the peer later replies anyway the
// response is discarded.
func (t *Transport) Request(ctx context.Context, command Command, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	correlationID := uuid.NewString()
	waiter := make(chan Frame, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, svcerr.New(svcerr.CodeIPCNotReady, "transport is closed")
	}
	t.pending[correlationID] = waiter
	t.mu.Unlock()

	if err := t.writeFrame(Frame{Type: FrameRequest, CorrelationID: correlationID, Command: command, Payload: payload}); err != nil {
		t.removePending(correlationID)
		return nil, err
	}

	select {
	case frame := <-waiter:
		if frame.Type == FrameError && frame.Error != nil {
			return nil, &svcerr.Error{
				Code:    svcerr.Code(frame.Error.Code),
				Message: frame.Error.Message,
				Details: frame.Error.Details,
			}
		}
		return frame.Payload, nil
	case <-ctx.Done():
		t.removePending(correlationID)
		return nil, svcerr.New(svcerr.CodeIPCTimeout, "timed out waiting for response")
	}
}

func (t *Transport) removePending(correlationID string) {
	t.mu.Lock()
	delete(t.pending, correlationID)
	t.mu.Unlock()
}

func (t *Transport) rejectAllPending(cause error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan Frame)
	t.closed = true
	t.mu.Unlock()

	for _, waiter := range pending {
		waiter <- Frame{
			Type: FrameError,
			Error: &FrameErrorBody{
				Code:    string(svcerr.CodeIPCNotReady),
				Message: "transport closed: " + errString(cause),
			},
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}

// Close closes the underlying connection, unblocking Run and failing any
// pending Request calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
