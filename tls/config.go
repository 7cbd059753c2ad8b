// Package tls layers a pluggable TLS provider over the socket package's
// Provider interface, grounded on original_source/src/ssl/openssl.c's
// MprSsl configuration struct and upgrade/verify protocol.
package tls

import "time"

// Protocol is a bitset of the TLS protocol versions a Config permits
// (original_source/src/ssl/openssl.c's MPR_PROTO_* bits).
type Protocol int

const (
	ProtoTLS10 Protocol = 1 << iota
	ProtoTLS11
	ProtoTLS12
	ProtoTLS13
)

// DefaultProtocols permits TLS 1.2 and 1.3 and excludes every older version, matching modern
// defaults rather than the original's SSLv3-permissive baseline
// (spec.md Non-goals exclude legacy protocol support; this is the
// REDESIGN FLAG'd behavior change, not an oversight).
const DefaultProtocols = ProtoTLS12 | ProtoTLS13

// Config mirrors MprSsl: certificate/key/CA material, permitted
// protocols and ciphers, and peer-verification policy
// (original_source/src/ssl/openssl.c).
type Config struct {
	KeyFile  string
	CertFile string
	CAFile   string
	CAPath   string

	Ciphers   []string // cipher suite names, IANA order; empty means Go's default set
	Protocols Protocol

	VerifyPeer  bool
	VerifyDepth int
	VerifyIssuer bool

	// HandshakeTimeout bounds upgradeSocket's handshake step
	// (original_source/src/ssl/openssl.c upgradeOss has no timeout of its
	// own; Go's crypto/tls blocks on the underlying conn's deadlines
	// instead, so this config applies one where the original relied on
	// the socket's own blocking-mode timeout).
	HandshakeTimeout time.Duration
}

// DefaultHandshakeTimeout bounds a handshake when Config.HandshakeTimeout
// is unset.
const DefaultHandshakeTimeout = 10 * time.Second
