package mqtt5

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the registered MQTT WebSocket subprotocol.
const WebSocketSubprotocol = "mqtt"

// WebSocketPath is the conventional MQTT endpoint path.
const WebSocketPath = "/mqtt"

// WSConn adapts a WebSocket connection to net.Conn. Each MQTT packet is
// written as one binary frame; reads reassemble the byte stream across
// frames.
type WSConn struct {
	conn   *websocket.Conn
	reader *wsReader
}

type wsReader struct {
	conn    *websocket.Conn
	buf     []byte
	readPos int
}

func (r *wsReader) Read(p []byte) (int, error) {
	if r.readPos < len(r.buf) {
		n := copy(p, r.buf[r.readPos:])
		r.readPos += n
		return n, nil
	}

	messageType, data, err := r.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	if messageType != websocket.BinaryMessage {
		return 0, ErrProtocolViolation
	}

	r.buf = data
	r.readPos = copy(p, data)
	return r.readPos, nil
}

func newWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn, reader: &wsReader{conn: conn}}
}

func (c *WSConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}

func (c *WSConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to brokers over WebSocket with the MQTT subprotocol.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWSDialer creates a dialer negotiating the "mqtt" subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:    []string{WebSocketSubprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetProxyFromEnvironment routes the HTTP upgrade through the proxy from
// the process environment.
func (d *WSDialer) SetProxyFromEnvironment() {
	if d.Dialer != nil {
		d.Dialer.Proxy = http.ProxyFromEnvironment
	}
}

// Dial performs the HTTP/1.1 upgrade against the given ws:// or wss://
// address and returns the framed connection.
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, _, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}
