package socket

import (
	"fmt"
	"net"
	"sync"
)

// Provider is the pluggable socket v-table (spec.md §4.4 "Provider"):
// every transport — the OS-backed standard provider, the websocket
// provider, the Windows named-pipe provider — implements this same shape,
// so Socket's own methods never need to know which one is underneath.
// Grounded on original_source/src/socket.c's MprSocketProvider struct
// (listen/upgrade/close/disconnect/read/write/flush/socketState).
type Provider interface {
	Name() string
	Listen(addr Address, opts ListenOptions) (net.Listener, error)
	Upgrade(conn net.Conn, cfg *UpgradeConfig) (net.Conn, error)
	Close(conn net.Conn, gracefully bool) error
	Disconnect(conn net.Conn) error
	Read(conn net.Conn, buf []byte) (int, error)
	Write(conn net.Conn, buf []byte) (int, error)
	Flush(conn net.Conn) error
	State(conn net.Conn) string
}

// UpgradeConfig carries what a provider needs to negotiate a secure
// session on an already-connected net.Conn (spec.md §4.5 "upgradeSocket").
// The concrete *tls.Config lives in the tls package; Provider.Upgrade
// accepts it as interface{} to avoid this package depending on tls (tls
// depends on socket's Provider interface, not the reverse).
type UpgradeConfig struct {
	TLS      interface{}
	PeerName string
	IsServer bool
}

var (
	providersMu sync.RWMutex
	providers   = map[string]Provider{}
)

// AddProvider registers p under name, overwriting any prior registration
// (spec.md §4.4 "mprAddSocketProvider").
func AddProvider(name string, p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = p
}

// Lookup returns the provider registered under name, if any.
func Lookup(name string) (Provider, bool) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[name]
	return p, ok
}

// MustLookup is Lookup, panicking on an unknown name — used at wiring
// time for names the caller controls (e.g. "standard"), where a miss is
// a programming error rather than user input.
func MustLookup(name string) Provider {
	p, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("socket: no provider registered as %q", name))
	}
	return p
}

func init() {
	AddProvider("standard", newStdProvider())
}
