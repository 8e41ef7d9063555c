package wire

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn abstracts the two transports worker/monitor/client-manager
// connections arrive on: raw length-prefixed TCP, and WebSocket. Both
// implementations serialize writes behind their own mutex since a
// connection may be written to from the scheduler loop and read from its
// own per-connection goroutine concurrently.
type ClientConn interface {
	// Send writes one envelope to the connection.
	Send(env *Envelope) error
	// Receive blocks for the next envelope, or returns an error (including
	// io.EOF on clean close).
	Receive() (*Envelope, error)
	// RemoteAddr returns the connection's address for logging and for the
	// client registry's address+port bookkeeping.
	RemoteAddr() string
	// Close closes the underlying transport.
	Close() error
}

// tcpClientConn implements ClientConn over a raw net.Conn using the
// length-prefixed JSON framing defined in envelope.go.
type tcpClientConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewTCPClientConn wraps an accepted TCP connection.
func NewTCPClientConn(conn net.Conn) ClientConn {
	return &tcpClientConn{conn: conn}
}

func (c *tcpClientConn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteEnvelope(c.conn, env)
}

func (c *tcpClientConn) Receive() (*Envelope, error) {
	return ReadEnvelope(c.conn)
}

func (c *tcpClientConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpClientConn) Close() error {
	return c.conn.Close()
}

// wsClientConn implements ClientConn over a gorilla/websocket connection,
// carrying the same Envelope JSON as a single text message per frame rather
// than the 4-byte length prefix (the WebSocket framing already delimits
// messages).
type wsClientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSClientConn wraps an upgraded WebSocket connection.
func NewWSClientConn(conn *websocket.Conn) ClientConn {
	return &wsClientConn{conn: conn}
}

func (c *wsClientConn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return &DecodeError{Reason: "marshal_envelope", Err: err}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Receive() (*Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed_envelope", Err: err}
	}
	return &env, nil
}

func (c *wsClientConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsClientConn) Close() error {
	return c.conn.Close()
}

// SetReadDeadline applies a read timeout to a ClientConn when the
// underlying transport supports it. Connection handlers use this to detect
// dead peers independently of the scheduler loop.
func SetReadDeadline(cc ClientConn, d time.Duration) {
	switch c := cc.(type) {
	case *tcpClientConn:
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	case *wsClientConn:
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}
