package tls

import (
	"fmt"
	"net"
	"sync"

	"github.com/pmrhq/pmr/socket"
)

// Provider is a socket.Provider that upgrades an already-connected
// net.Conn to TLS instead of producing connections of its own — Listen/
// Accept stay with the underlying standard provider; only Upgrade does
// real work here (original_source/src/ssl/openssl.c upgradeOss runs on
// an already-open fd, never opens one itself).
type tlsProvider struct {
	wrapped socket.Provider

	mu    sync.Mutex
	sides map[net.Conn]bool // conn -> isServer, for State()'s CLIENT_/SERVER_ prefix
}

// newTLSProvider wraps name's registered socket.Provider (normally
// "standard") so Listen/Read/Write/Close/Disconnect/Flush/State delegate
// straight through, and only Upgrade adds TLS.
func newTLSProvider(wrapped socket.Provider) *tlsProvider {
	return &tlsProvider{wrapped: wrapped, sides: make(map[net.Conn]bool)}
}

func (p *tlsProvider) Name() string { return "tls" }

func (p *tlsProvider) Listen(addr socket.Address, opts socket.ListenOptions) (net.Listener, error) {
	return p.wrapped.Listen(addr, opts)
}

func (p *tlsProvider) Upgrade(conn net.Conn, cfg *socket.UpgradeConfig) (net.Conn, error) {
	sslCfg, ok := cfg.TLS.(*Config)
	if !ok || sslCfg == nil {
		return nil, fmt.Errorf("tls: upgrade requires a *tls.Config in UpgradeConfig.TLS")
	}
	upgraded, err := upgradeSocket(conn, sslCfg, cfg.PeerName, cfg.IsServer)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.sides[upgraded] = cfg.IsServer
	p.mu.Unlock()
	return upgraded, nil
}

func (p *tlsProvider) Close(conn net.Conn, gracefully bool) error {
	p.mu.Lock()
	delete(p.sides, conn)
	p.mu.Unlock()
	return p.wrapped.Close(conn, gracefully)
}

func (p *tlsProvider) Disconnect(conn net.Conn) error { return p.wrapped.Disconnect(conn) }

func (p *tlsProvider) Read(conn net.Conn, buf []byte) (int, error) {
	return p.wrapped.Read(conn, buf)
}

func (p *tlsProvider) Write(conn net.Conn, buf []byte) (int, error) {
	return p.wrapped.Write(conn, buf)
}

func (p *tlsProvider) Flush(conn net.Conn) error { return p.wrapped.Flush(conn) }

func (p *tlsProvider) State(conn net.Conn) string {
	p.mu.Lock()
	isServer := p.sides[conn]
	p.mu.Unlock()
	return describeState(conn, p.wrapped.State(conn), isServer)
}

var registerOnce sync.Once

// Register installs the "tls" provider wrapping the "standard" socket
// provider. Called from init so importing this package is enough to make
// socket.Lookup("tls") succeed, the same self-registration pattern
// socket's own providers use.
func Register() {
	registerOnce.Do(func() {
		std, ok := socket.Lookup("standard")
		if !ok {
			panic("tls: socket standard provider not registered")
		}
		socket.AddProvider("tls", newTLSProvider(std))
	})
}

func init() { Register() }
