package socket

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pmrhq/pmr/internal/rlog"
)

// ConnectOptions tunes Connect beyond the bare ip/port (spec.md §4.4
// "mprConnectSocket" flags, grounded on socket.c's connectSocket).
type ConnectOptions struct {
	Provider   string // defaults to "standard"
	Timeout    time.Duration
	NoDelay    bool
	PreferIPv6 bool
}

// Connect dials ip:port through the named provider and returns a client
// Socket. A zero Timeout defaults to 30s, matching the original's
// connect-then-poll loop giving up after a bounded wait rather than
// blocking forever on a half-open network (original_source/src/socket.c
// connectSocket's EINPROGRESS poll).
func Connect(ip string, port int, opts ConnectOptions) (*Socket, error) {
	providerName := opts.Provider
	if providerName == "" {
		providerName = "standard"
	}
	p, ok := Lookup(providerName)
	if !ok {
		return nil, fmt.Errorf("socket: unknown provider %q", providerName)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	network := "tcp4"
	if IsIPv6(ip) || opts.PreferIPv6 {
		network = "tcp6"
	}

	dialer := net.Dialer{Timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, portString(port)))
	if err != nil {
		return nil, fmt.Errorf("socket: connect %s:%d: %w", ip, port, err)
	}
	if opts.NoDelay {
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				rlog.Debug("socket: set no-delay failed", "err", err)
			}
		}
	}

	s := &Socket{
		provider: p,
		conn:     conn,
		addr:     Address{IP: ip, Port: port},
		ip:       ip,
		port:     port,
		flags:    FlagConnected,
	}
	return s, nil
}
