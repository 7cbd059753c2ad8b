package socket

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// SocketFlag mirrors a handful of the original MprSocket flag bits
// relevant to a Go port (spec.md §4.4 "Socket").
type SocketFlag int

const (
	FlagServer SocketFlag = 1 << iota
	FlagSecure
	FlagEof
	FlagConnected
	// FlagHandshaking is set for the duration of an in-flight Upgrade
	// (MPR_SOCKET_HANDSHAKING). While set, Read/Write return 0 instead of
	// touching the provider, matching a non-blocking socket's upgrade
	// behavior (spec.md §8).
	FlagHandshaking
	// FlagBufferedRead/FlagBufferedWrite record that a caller attempted a
	// Read/Write while HANDSHAKING was set (MPR_SOCKET_BUFFERED_READ/
	// MPR_SOCKET_BUFFERED_WRITE) — a signal that there is deferred I/O to
	// retry once the handshake completes.
	FlagBufferedRead
	FlagBufferedWrite
)

// Socket wraps one connection (or listening endpoint) behind whichever
// Provider created it, so callers never touch net.Conn/net.Listener
// directly (spec.md §4.4 "Socket" — "every operation goes through the
// provider v-table").
type Socket struct {
	mu sync.Mutex

	provider Provider
	conn     net.Conn
	listener net.Listener

	addr  Address
	flags SocketFlag

	ip   string
	port int

	handler *Handler

	// errorMsg records the last error encountered outside a plain Read/
	// Write return, e.g. a failed TLS peer-verification (spec.md §3
	// "errorMsg").
	errorMsg string
}

// Provider returns the provider backing this socket.
func (s *Socket) Provider() Provider { return s.provider }

// IsSecure reports whether the socket completed a TLS (or other secure)
// upgrade (spec.md §4.4 "mprIsSocketSecure").
func (s *Socket) IsSecure() bool { return s.flags&FlagSecure != 0 }

// IsServer reports whether this socket originated from Listen/Accept
// rather than Connect.
func (s *Socket) IsServer() bool { return s.flags&FlagServer != 0 }

// IsEof reports whether the last Read observed end of stream
// (spec.md §4.4 "mprIsSocketEof").
func (s *Socket) IsEof() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&FlagEof != 0
}

func (s *Socket) setEof() {
	s.mu.Lock()
	s.flags |= FlagEof
	s.mu.Unlock()
}

// IsHandshaking reports whether an Upgrade is currently in flight
// (spec.md §4.4 "mprSocketHandshaking").
func (s *Socket) IsHandshaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&FlagHandshaking != 0
}

// ErrorMsg returns the last error message recorded against this socket
// outside a plain Read/Write return — most commonly a failed TLS
// peer-verification from Upgrade (spec.md §3 "errorMsg").
func (s *Socket) ErrorMsg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMsg
}

// Read reads into buf via the socket's provider (spec.md §4.4
// "mprReadSocket"). When a Handler is installed, its buffered reader is
// used instead of the raw conn, so bytes the handler already Peek'd
// while watching for readability aren't skipped. While a TLS upgrade is
// in flight, Read returns 0 immediately rather than touching the
// provider (spec.md §8).
func (s *Socket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	if s.flags&FlagHandshaking != 0 {
		s.flags |= FlagBufferedRead
		s.mu.Unlock()
		return 0, nil
	}
	h := s.handler
	s.mu.Unlock()

	var n int
	var err error
	if h != nil {
		n, err = h.Reader().Read(buf)
	} else {
		n, err = s.provider.Read(s.conn, buf)
	}
	if err != nil {
		s.setEof()
	}
	return n, err
}

// Write writes buf via the socket's provider (spec.md §4.4
// "mprWriteSocket"). While a TLS upgrade is in flight, Write returns 0
// without touching buf or the provider (spec.md §8).
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	if s.flags&FlagHandshaking != 0 {
		s.flags |= FlagBufferedWrite
		s.mu.Unlock()
		return 0, nil
	}
	s.mu.Unlock()
	return s.provider.Write(s.conn, buf)
}

// Upgrade negotiates a secure session over the socket's existing
// connection via cfg (spec.md §4.4 "mprUpgradeSocket"). The handshake
// runs on a background goroutine: while it is in flight HANDSHAKING is
// set and Read/Write return 0 immediately, the non-blocking-socket
// upgrade behavior spec.md §8 requires, rather than this call blocking
// the caller for the handshake's duration. On completion the upgraded
// net.Conn replaces the plain one and Secure is set; on failure errorMsg
// and Eof are set instead (e.g. "tls: Certificate not trusted: ...").
func (s *Socket) Upgrade(cfg *UpgradeConfig) error {
	s.mu.Lock()
	if s.flags&FlagHandshaking != 0 {
		s.mu.Unlock()
		return fmt.Errorf("socket: upgrade already in progress")
	}
	conn := s.conn
	provider := s.provider
	s.flags |= FlagHandshaking
	s.flags &^= FlagBufferedRead | FlagBufferedWrite
	s.mu.Unlock()

	go s.runUpgrade(provider, conn, cfg)
	return nil
}

func (s *Socket) runUpgrade(provider Provider, conn net.Conn, cfg *UpgradeConfig) {
	upgraded, err := provider.Upgrade(conn, cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags &^= FlagHandshaking
	if err != nil {
		s.errorMsg = err.Error()
		s.flags |= FlagEof
		return
	}
	s.conn = upgraded
	s.flags |= FlagSecure
}

// WriteVector writes multiple buffers as one logical write (spec.md §6
// "writeVector"). The standard provider's conn is normally a *net.TCPConn,
// whose net.Buffers writer already coalesces into a single writev() or
// sendmsg() syscall where the OS supports it; other providers just see
// the buffers concatenated by net.Buffers.WriteTo's fallback loop.
func (s *Socket) WriteVector(bufs [][]byte) (int64, error) {
	nb := make(net.Buffers, len(bufs))
	for i, b := range bufs {
		nb[i] = b
	}
	return nb.WriteTo(s.conn)
}

// SendFile streams length bytes of file starting at offset, optionally
// surrounded by pre/post header and trailer buffers, matching §6's
// `sendFile(file, offset, len, preVec, postVec)`. On Linux/Darwin,
// (*net.TCPConn).ReadFrom recognizes an *os.File source and uses
// sendfile(2) internally; this wrapper just arranges the three pieces in
// the right order around that call.
func (s *Socket) SendFile(file *os.File, offset, length int64, preVec, postVec [][]byte) (int64, error) {
	var total int64
	if len(preVec) > 0 {
		n, err := s.WriteVector(preVec)
		total += n
		if err != nil {
			return total, err
		}
	}
	if length > 0 {
		section := io.NewSectionReader(file, offset, length)
		n, err := io.Copy(s.conn, section)
		total += n
		if err != nil {
			return total, err
		}
	}
	if len(postVec) > 0 {
		n, err := s.WriteVector(postVec)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SetBlockingMode toggles whether Read/Write block, mirroring
// mprSetSocketBlockingMode. Go's net.Conn is always "blocking" from the
// caller's perspective; non-blocking mode is emulated with an
// immediately-expiring deadline so a Read/Write that can't complete now
// returns a timeout error instead of parking the goroutine, matching the
// original's O_NONBLOCK semantics closely enough for callers that poll.
func (s *Socket) SetBlockingMode(blocking bool) error {
	if blocking {
		return s.conn.SetDeadline(time.Time{})
	}
	return s.conn.SetDeadline(time.Now())
}

// SetNoDelay disables/enables Nagle's algorithm on TCP connections
// (spec.md §6 "setNoDelay"). A no-op on non-TCP conns.
func (s *Socket) SetNoDelay(on bool) error {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(on)
}

// Flush asks the provider to drain any internally buffered output
// (spec.md §4.4 "mprFlushSocket"). The standard provider has no such
// buffer and treats this as a no-op; a TLS provider may have one.
func (s *Socket) Flush() error {
	return s.provider.Flush(s.conn)
}

// Close closes the socket, gracefully half-closing the write side first
// when requested and the transport supports it (spec.md §4.4
// "mprCloseSocket").
func (s *Socket) Close(gracefully bool) error {
	s.mu.Lock()
	conn, listener := s.conn, s.listener
	s.conn, s.listener = nil, nil
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = s.provider.Close(conn, gracefully)
	}
	if listener != nil {
		if lerr := listener.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

// Disconnect abruptly tears down the connection without the graceful
// half-close Close(true) attempts (spec.md §4.4 "mprDisconnectSocket").
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.provider.Disconnect(conn)
}

// State returns the provider's human-readable connection state string
// (spec.md §4.4 "mprGetSocketState").
func (s *Socket) State() string {
	return s.provider.State(s.conn)
}

// RemoteIP/RemotePort report the parsed endpoint this socket is
// connected or listening on (spec.md §4.4 "mprGetSocketPort").
func (s *Socket) RemoteIP() string { return s.ip }
func (s *Socket) RemotePort() int  { return s.port }

// FD returns the OS file descriptor backing this socket's conn, or -1 if
// the provider's conn doesn't expose one (spec.md §4.4 "mprGetSocketFd").
func (s *Socket) FD() int {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(p uintptr) { fd = int(p) })
	return fd
}
