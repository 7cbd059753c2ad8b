package socket

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsProvider is a websocket-backed Provider: every net.Conn it hands back
// is really a *wsConn wrapping a *websocket.Conn, demonstrating that
// Socket's own Read/Write/Close never need to know a transport isn't raw
// TCP (spec.md §4.4 "Provider" pluggability). Grounded on the teacher's
// own rpc/server.go ServerCodec abstraction, which hides an equally
// pluggable transport behind one fixed interface.
type wsProvider struct {
	upgrader websocket.Upgrader
}

func newWsProvider() *wsProvider {
	return &wsProvider{upgrader: websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}}
}

func (p *wsProvider) Name() string { return "websocket" }

// Listen starts a plain HTTP listener; the actual websocket handshake
// happens per-connection in Upgrade once a request reaches the handler
// this provider's caller wires up, so Listen itself is identical to the
// standard provider's.
func (p *wsProvider) Listen(addr Address, opts ListenOptions) (net.Listener, error) {
	std, _ := Lookup("standard")
	return std.Listen(addr, opts)
}

// Upgrade promotes an already-accepted HTTP connection to a websocket
// stream. cfg.TLS and cfg.PeerName are unused here: TLS, if any, already
// terminated before this provider sees the conn.
func (p *wsProvider) Upgrade(conn net.Conn, cfg *UpgradeConfig) (net.Conn, error) {
	wsc, ok := conn.(*wsConn)
	if ok {
		return wsc, nil
	}
	return nil, fmt.Errorf("socket: websocket provider requires a conn produced by its own HTTP handler")
}

// UpgradeHTTP performs the actual websocket handshake from inside an
// http.Handler, returning a net.Conn ready to hand to a Socket. Callers
// outside the net/http request lifecycle cannot reach a websocket
// provider's Listen result directly — the handshake is inherently
// request/response, unlike the standard provider's raw accept.
func (p *wsProvider) UpgradeHTTP(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	c, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWsConn(c), nil
}

func (p *wsProvider) Close(conn net.Conn, gracefully bool) error {
	wsc := conn.(*wsConn)
	if gracefully {
		_ = wsc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return wsc.conn.Close()
}

func (p *wsProvider) Disconnect(conn net.Conn) error { return conn.Close() }

func (p *wsProvider) Read(conn net.Conn, buf []byte) (int, error)  { return conn.Read(buf) }
func (p *wsProvider) Write(conn net.Conn, buf []byte) (int, error) { return conn.Write(buf) }
func (p *wsProvider) Flush(conn net.Conn) error                    { return nil }

func (p *wsProvider) State(conn net.Conn) string {
	if conn == nil {
		return "closed"
	}
	return "connected"
}

func init() {
	AddProvider("websocket", newWsProvider())
}

// wsConn adapts a *websocket.Conn (message-framed) to net.Conn (byte
// stream), buffering the tail of a partially consumed message across
// Read calls.
type wsConn struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending []byte
}

func newWsConn(c *websocket.Conn) *wsConn { return &wsConn{conn: c} }

func (c *wsConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr                 { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr                { return c.conn.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
