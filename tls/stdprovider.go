package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// cipherSuitesByName maps the cipher suite names a Config.Ciphers list may
// reference to their IDs. It is built once from the suites crypto/tls
// itself reports (CipherSuites and InsecureCipherSuites, available since
// Go 1.14; this module pins go 1.18), and resolveCiphers rejects any name
// missing from it, so an unknown name fails loudly at config time instead
// of being silently skipped.
var cipherSuitesByName = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, c := range stdtls.CipherSuites() {
		m[c.Name] = c.ID
	}
	for _, c := range stdtls.InsecureCipherSuites() {
		m[c.Name] = c.ID
	}
	return m
}()

func resolveCiphers(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := cipherSuitesByName[n]
		if !ok {
			return nil, fmt.Errorf("tls: unknown cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// protocolRange translates the Config.Protocols bitset into crypto/tls's
// Min/MaxVersion pair (original_source/src/ssl/openssl.c's
// MPR_PROTO_SSLV3/TLSV1/... bit-per-protocol exclusion scheme, here
// expressed as a contiguous range since crypto/tls has no per-version
// enable/disable beyond min/max).
func protocolRange(p Protocol) (min, max uint16) {
	min, max = 0, 0
	order := []struct {
		bit Protocol
		ver uint16
	}{
		{ProtoTLS10, stdtls.VersionTLS10},
		{ProtoTLS11, stdtls.VersionTLS11},
		{ProtoTLS12, stdtls.VersionTLS12},
		{ProtoTLS13, stdtls.VersionTLS13},
	}
	for _, o := range order {
		if p&o.bit == 0 {
			continue
		}
		if min == 0 {
			min = o.ver
		}
		max = o.ver
	}
	if min == 0 {
		min, max = stdtls.VersionTLS12, stdtls.VersionTLS13
	}
	return min, max
}

// buildVerifyCallback returns a VerifyPeerCertificate hook enforcing
// VerifyDepth/VerifyIssuer on top of crypto/tls's normal chain validation
// (original_source/src/ssl/openssl.c's verifyX509Certificate, which walks
// the chain checking depth and caller-supplied issuer policy beyond what
// OpenSSL's default verify callback does). Returns nil when VerifyPeer is
// off, since verifiedChains is only populated when normal verification
// ran in the first place.
func buildVerifyCallback(cfg *Config) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if !cfg.VerifyPeer || (cfg.VerifyDepth <= 0 && !cfg.VerifyIssuer) {
		return nil
	}
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(verifiedChains) == 0 {
			return fmt.Errorf("no verified certificate chain")
		}
		chain := verifiedChains[0]
		if cfg.VerifyDepth > 0 && len(chain) > cfg.VerifyDepth {
			return fmt.Errorf("certificate chain depth %d exceeds allowed depth %d", len(chain), cfg.VerifyDepth)
		}
		if cfg.VerifyIssuer && len(chain) > 1 {
			leaf, issuer := chain[0], chain[1]
			if leaf.Issuer.CommonName != issuer.Subject.CommonName {
				return fmt.Errorf("issuer CN %q does not match CA subject CN %q", leaf.Issuer.CommonName, issuer.Subject.CommonName)
			}
		}
		return nil
	}
}

// loadCAFile reads a PEM bundle into a cert pool, the Go equivalent of
// SSL_CTX_load_verify_locations(context, ssl->caFile, ssl->caPath)
// (original_source/src/ssl/openssl.c). caPath (a directory of certs) has
// no direct crypto/x509 API; only the single-file form is supported.
func loadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tls: no certificates parsed from %s", path)
	}
	return pool, nil
}
