// Package transport implements the Isolation Transport: a typed
// request/response substrate over an io.ReadWriteCloser pipe connecting an
// untrusted application frame to the trusted wallet frame that owns the
// signer. Every request carries a correlation id; a response sharing that
// id resolves the pending caller. Cancellation removes the pending
// correlation entry and rejects its waiter — the other side may still
// complete the work, but the result is discarded.
//
// Grounded on the teacher's infrastructure/middleware per-key rate limiter
// (map[string]*rate.Limiter guarded by a mutex, one limiter created lazily
// per key) applied here to per-peer connect-handshake throttling, and on
// the length-prefixed framing the teacher's gorilla/websocket usage implies
// for its browser bridge.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// maxFrameSize bounds a single frame to defend against a malformed length
// prefix exhausting memory.
const maxFrameSize = 16 * 1024 * 1024

// FrameType discriminates the Isolation Transport's message envelope.
type FrameType string

const (
	FrameConnect  FrameType = "CONNECT"
	FrameReady    FrameType = "READY"
	FrameRequest  FrameType = "REQUEST"
	FrameResponse FrameType = "RESPONSE"
	FrameError    FrameType = "ERROR_FRAME"
)

// Command names the typed commands the wallet side accepts over a REQUEST
// frame, per spec.md §4.12.
type Command string

const (
	CommandSign           Command = "sign"
	CommandRegister       Command = "register"
	CommandNEP413Sign     Command = "nep413_sign"
	CommandDeriveKeypair  Command = "derive_keypair"
	CommandRecoverKeypair Command = "recover_keypair"
	CommandGetLastUser    Command = "get_last_user"
	CommandKVGet          Command = "kv_get"
	CommandKVPut          Command = "kv_put"
)

// FrameErrorBody mirrors spec.md's transport error shape: { code, message,
// details? }.
type FrameErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Frame is the wire envelope for every message crossing the Isolation
// Transport.
type Frame struct {
	Type            FrameType       `json:"type"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Command         Command         `json:"command,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           *FrameErrorBody `json:"error,omitempty"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
}

// writeFrame writes f to w as a single call carrying a 4-byte big-endian
// length prefix followed by its JSON encoding. Writing header and body in
// one call (rather than two) lets a single write double as a complete,
// self-delimited unit over a message-oriented transport such as a
// websocket, not just a byte stream.
func writeFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return svcerr.Wrap(svcerr.CodeIPCNotReady, "encode transport frame", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return svcerr.Wrap(svcerr.CodeIPCNotReady, "write frame", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame from r.
func readFrame(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err // io.EOF propagates as-is so callers can detect a clean close
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return Frame{}, svcerr.New(svcerr.CodeIPCNotReady, fmt.Sprintf("frame of %d bytes exceeds limit", n))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, svcerr.Wrap(svcerr.CodeIPCNotReady, "read frame body", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, svcerr.Wrap(svcerr.CodeIPCNotReady, "decode transport frame", err)
	}
	return f, nil
}
