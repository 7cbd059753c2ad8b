//go:build windows

package socket

import (
	"fmt"
	"net"

	"gopkg.in/natefinch/npipe.v2"
)

// npipeProvider is a Windows named-pipe Provider, the platform's
// equivalent of a Unix domain socket for same-host IPC. Grounded on
// original_source/src/socket.c's provider-per-transport shape; named
// pipes have no TCP-style address family so Address.IP is reused
// verbatim as the pipe name.
type npipeProvider struct{}

func newNpipeProvider() *npipeProvider { return &npipeProvider{} }

func (p *npipeProvider) Name() string { return "npipe" }

func (p *npipeProvider) Listen(addr Address, opts ListenOptions) (net.Listener, error) {
	name := pipeName(addr)
	return npipe.Listen(name)
}

func (p *npipeProvider) Upgrade(conn net.Conn, cfg *UpgradeConfig) (net.Conn, error) {
	return conn, nil
}

func (p *npipeProvider) Close(conn net.Conn, gracefully bool) error { return conn.Close() }
func (p *npipeProvider) Disconnect(conn net.Conn) error             { return conn.Close() }
func (p *npipeProvider) Read(conn net.Conn, buf []byte) (int, error)  { return conn.Read(buf) }
func (p *npipeProvider) Write(conn net.Conn, buf []byte) (int, error) { return conn.Write(buf) }
func (p *npipeProvider) Flush(conn net.Conn) error                    { return nil }

func (p *npipeProvider) State(conn net.Conn) string {
	if conn == nil {
		return "closed"
	}
	return "connected"
}

func pipeName(addr Address) string {
	if addr.IP == "" {
		return fmt.Sprintf(`\\.\pipe\pmr-%d`, addr.Port)
	}
	return addr.IP
}

func init() {
	AddProvider("npipe", newNpipeProvider())
}

// DialNpipe connects to a named pipe server, mirroring Connect for the
// TCP providers. Named pipes have no client/server dial symmetry with
// TCP's Dialer, so this lives beside the provider rather than inside the
// shared Connect in connect.go.
func DialNpipe(name string) (*Socket, error) {
	conn, err := npipe.Dial(name)
	if err != nil {
		return nil, fmt.Errorf("socket: dial pipe %s: %w", name, err)
	}
	p, _ := Lookup("npipe")
	return &Socket{
		provider: p,
		conn:     conn,
		addr:     Address{IP: name},
		ip:       name,
		flags:    FlagConnected,
	}, nil
}
