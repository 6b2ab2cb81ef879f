package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to io.ReadWriteCloser so the same
// length-prefixed frame codec used over an in-process pipe also works over
// a real websocket connection. Each websocket message carries exactly one
// complete frame, written in a single Write call (see writeFrame), so
// message boundaries never split a frame.
type wsConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	rmu  sync.Mutex
	rbuf []byte
}

// newWSConn wraps an established websocket connection.
func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.rbuf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.rbuf = data
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// NewWebSocketTransport builds a Transport over an established websocket
// connection. This is a thin, dev-only bridge for the reference web wallet
// integration: production same-binary wallet/app splits use an in-process
// io.Pipe instead (see New).
func NewWebSocketTransport(ws *websocket.Conn, handler Handler) *Transport {
	return New(newWSConn(ws), handler)
}
