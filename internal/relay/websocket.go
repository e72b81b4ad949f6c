package relay

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	webSocketPath        = "/apiws"
	webSocketSubprotocol = "binary"

	webSocketCloseTimeout = 250 * time.Millisecond
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		HandshakeTimeout:  10 * time.Second,
		ReadBufferSize:    readBufferSize,
		WriteBufferSize:   readBufferSize,
		Subprotocols:      []string{webSocketSubprotocol},
		EnableCompression: false,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// wsConn presents a binary websocket as a byte stream. Message boundaries carry
// no meaning for obfuscated2, so reads continue across messages.
type wsConn struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

var _ net.Conn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, wsReadError(err)
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame only when no write is in flight, then closes the
// socket. A writer stalled on a peer that stopped reading holds writeMu; closing
// the socket underneath it is what unblocks it, so Close never waits for writeMu.
func (c *wsConn) Close() error {
	if c.writeMu.TryLock() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(webSocketCloseTimeout))
		c.writeMu.Unlock()
	}
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func wsReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
