package socket

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenOptions tunes Listen beyond what net.Listen exposes by itself
// (spec.md §4.4 "mprListenOnSocket" flags).
type ListenOptions struct {
	ReuseAddr   bool
	IPv6Only    bool // when false and the address is a dual-stack wildcard, accept both families on one socket
	PreferIPv6  bool
}

// stdProvider is the OS-backed "standard" provider: plain TCP listen/
// dial/read/write through the net package, with socket options set via a
// net.ListenConfig/net.Dialer Control hook (spec.md §4.4, grounded on
// socket.c's createStandardProvider/listenSocket/connectSocket).
type stdProvider struct{}

func newStdProvider() *stdProvider { return &stdProvider{} }

func (p *stdProvider) Name() string { return "standard" }

func (p *stdProvider) Listen(addr Address, opts ListenOptions) (net.Listener, error) {
	network := "tcp4"
	if IsIPv6(addr.IP) || (addr.IP == "" && opts.PreferIPv6) {
		network = "tcp6"
	}
	if addr.IP == "" && !opts.PreferIPv6 {
		network = "tcp" // dual-stack wildcard unless the caller pinned a family
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if opts.ReuseAddr {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				}
				if opts.IPv6Only && network == "tcp6" {
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				} else if network == "tcp6" {
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	portStr := portString(addr.Port)
	return lc.Listen(context.Background(), network, net.JoinHostPort(addr.IP, portStr))
}

func (p *stdProvider) Upgrade(conn net.Conn, cfg *UpgradeConfig) (net.Conn, error) {
	return conn, nil // the standard provider never upgrades; tls.Provider wraps it instead
}

func (p *stdProvider) Close(conn net.Conn, gracefully bool) error {
	if gracefully {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}
	return conn.Close()
}

func (p *stdProvider) Disconnect(conn net.Conn) error { return conn.Close() }

func (p *stdProvider) Read(conn net.Conn, buf []byte) (int, error)  { return conn.Read(buf) }
func (p *stdProvider) Write(conn net.Conn, buf []byte) (int, error) { return conn.Write(buf) }
func (p *stdProvider) Flush(conn net.Conn) error                    { return nil }

func (p *stdProvider) State(conn net.Conn) string {
	if conn == nil {
		return "closed"
	}
	return "connected"
}

func portString(port int) string {
	if port < 0 {
		port = 0
	}
	return strconv.Itoa(port)
}
