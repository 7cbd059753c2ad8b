package socket

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"

	"github.com/steakknife/bloomfilter"
	"golang.org/x/time/rate"

	"github.com/pmrhq/pmr/internal/rlog"
)

// Acceptor wraps a listening Socket with the accept-side policy the
// original enforces at the MprSocketService level: a hard cap on
// concurrent accepted clients (mprSetMaxSocketAccept) plus, here, an
// optional rate limit and a probabilistic reject-list so a listener can
// shed known-bad peers cheaply before handing them a goroutine
// (original_source/src/socket.c mprAcceptSocket).
type Acceptor struct {
	mu sync.Mutex

	listener  *Socket
	maxAccept int
	numAccept int

	limiter  *rate.Limiter
	rejected *bloomfilter.Filter
}

// DefaultMaxAccept mirrors the original's default (socket.c sets
// ss->maxAccept = INT_MAX unless mprSetMaxSocketAccept narrows it; this
// port picks a concrete, sane default instead of "unbounded").
const DefaultMaxAccept = 10000

// NewAcceptor wraps listener with accept policy. rps <= 0 disables rate
// limiting. rejectCapacity <= 0 disables the reject-list.
func NewAcceptor(listener *Socket, maxAccept int, rps float64, rejectCapacity uint64) (*Acceptor, error) {
	if maxAccept <= 0 {
		maxAccept = DefaultMaxAccept
	}
	a := &Acceptor{listener: listener, maxAccept: maxAccept}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	if rejectCapacity > 0 {
		bf, err := bloomfilter.NewOptimal(rejectCapacity, 0.001)
		if err != nil {
			return nil, fmt.Errorf("socket: reject-list init: %w", err)
		}
		a.rejected = bf
	}
	return a, nil
}

func ipHash(ip string) *fnvHash {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ip))
	return &fnvHash{h.Sum64()}
}

// fnvHash satisfies hash.Hash64 with a fixed, already-computed digest so
// bloomfilter.Filter's repeated internal Sum64 calls all see the same
// value for a given ip (Write/Reset are no-ops; only Sum64 is load
// bearing for membership tests).
type fnvHash struct{ sum uint64 }

func (f *fnvHash) Write(p []byte) (int, error) { return len(p), nil }
func (f *fnvHash) Sum(b []byte) []byte         { return b }
func (f *fnvHash) Reset()                      {}
func (f *fnvHash) Size() int                   { return 8 }
func (f *fnvHash) BlockSize() int              { return 1 }
func (f *fnvHash) Sum64() uint64               { return f.sum }

// Reject adds ip to the reject-list; future Accept calls from that
// address are dropped before a connection is even completed on our side
// (the peer's connect() still succeeds — this is advisory shedding, not
// a firewall).
func (a *Acceptor) Reject(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejected == nil {
		return
	}
	a.rejected.Add(ipHash(ip))
}

func (a *Acceptor) isRejected(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejected == nil {
		return false
	}
	return a.rejected.Contains(ipHash(ip))
}

// Accept blocks until a client connects, is within the accept cap, isn't
// on the reject-list, and clears the optional rate limiter; otherwise it
// keeps trying until the underlying listener itself returns an error.
func (a *Acceptor) Accept() (*Socket, error) {
	for {
		conn, err := a.listener.listener.Accept()
		if err != nil {
			return nil, err
		}

		ip, port := hostPort(conn.RemoteAddr())

		if a.isRejected(ip) {
			rlog.Debug("socket: rejecting accept, peer on reject-list", "ip", ip)
			_ = conn.Close()
			continue
		}
		if a.limiter != nil && !a.limiter.Allow() {
			rlog.Debug("socket: rejecting accept, rate limit exceeded", "ip", ip)
			_ = conn.Close()
			continue
		}

		a.mu.Lock()
		a.numAccept++
		over := a.numAccept > a.maxAccept
		if over {
			a.numAccept--
		}
		a.mu.Unlock()
		if over {
			rlog.Warn("socket: rejecting connection, too many client connections", "count", a.maxAccept)
			_ = conn.Close()
			continue
		}

		s := &Socket{
			provider: a.listener.provider,
			conn:     conn,
			addr:     Address{IP: ip, Port: port},
			ip:       ip,
			port:     port,
			flags:    FlagServer | FlagConnected,
		}
		return s, nil
	}
}

// Release decrements the accept count when a previously accepted socket
// closes, matching closeSocket's ss->numAccept-- for server sockets
// (original_source/src/socket.c).
func (a *Acceptor) Release() {
	a.mu.Lock()
	if a.numAccept > 0 {
		a.numAccept--
	}
	a.mu.Unlock()
}

func hostPort(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String(), 0
		}
		var port int
		_, _ = fmt.Sscanf(portStr, "%d", &port)
		return host, port
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}
