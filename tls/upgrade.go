package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// upgradeSocket performs the TLS handshake on an already-connected conn,
// the Go-native equivalent of upgradeOss's SSL_accept/SSL_connect call
// (original_source/src/ssl/openssl.c). isServer selects accept vs.
// connect state, matching MPR_SOCKET_SERVER in the original.
func upgradeSocket(conn net.Conn, cfg *Config, peerName string, isServer bool) (net.Conn, error) {
	stdCfg, err := buildStdlibConfig(cfg, peerName, isServer)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("tls: set handshake deadline: %w", err)
	}

	var tconn *stdtls.Conn
	if isServer {
		tconn = stdtls.Server(conn, stdCfg)
	} else {
		tconn = stdtls.Client(conn, stdCfg)
	}
	if err := tconn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls: %s", translateHandshakeError(err))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("tls: clear handshake deadline: %w", err)
	}
	return tconn, nil
}

func buildStdlibConfig(cfg *Config, peerName string, isServer bool) (*stdtls.Config, error) {
	stdCfg := &stdtls.Config{
		ServerName:         peerName,
		InsecureSkipVerify: !cfg.VerifyPeer,
	}
	stdCfg.MinVersion, stdCfg.MaxVersion = protocolRange(cfg.Protocols)

	ciphers, err := resolveCiphers(cfg.Ciphers)
	if err != nil {
		return nil, err
	}
	stdCfg.CipherSuites = ciphers
	stdCfg.VerifyPeerCertificate = buildVerifyCallback(cfg)

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := stdtls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load cert/key: %w", err)
		}
		stdCfg.Certificates = []stdtls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCAFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		if isServer {
			stdCfg.ClientCAs = pool
			if cfg.VerifyPeer {
				stdCfg.ClientAuth = stdtls.RequireAndVerifyClientCert
			}
		} else {
			stdCfg.RootCAs = pool
		}
	}

	return stdCfg, nil
}

// translateHandshakeError maps crypto/tls verification failures onto the
// original's "Certificate not trusted" wording
// (original_source/src/ssl/openssl.c verifyX509Certificate's error
// message), so callers inspecting Socket.ErrorMsg see the same phrase
// regardless of which underlying x509 check actually failed.
func translateHandshakeError(err error) string {
	var certErr x509.CertificateInvalidError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	switch {
	case errors.As(err, &certErr), errors.As(err, &authErr), errors.As(err, &hostErr):
		return fmt.Sprintf("Certificate not trusted: %v", err)
	default:
		return fmt.Sprintf("handshake failed: %v", err)
	}
}

// describeState renders the provider State() string. isServer selects
// the CLIENT_/SERVER_ field prefix the original uses to distinguish which
// side of the handshake a given subject/issuer CN describes
// (original_source/src/ssl/openssl.c's sock->cipher/peerName reporting).
func describeState(conn net.Conn, fallback string, isServer bool) string {
	tconn, ok := conn.(*stdtls.Conn)
	if !ok {
		return fallback
	}
	st := tconn.ConnectionState()
	prefix := "CLIENT_"
	if isServer {
		prefix = "SERVER_"
	}
	var subjectCN, issuerCN string
	if len(st.PeerCertificates) > 0 {
		subjectCN = st.PeerCertificates[0].Subject.CommonName
		issuerCN = st.PeerCertificates[0].Issuer.CommonName
	}
	return fmt.Sprintf("PROVIDER=tls,CIPHER=%s,VERSION=%s,%sS_CN=%s,%sI_CN=%s",
		stdtls.CipherSuiteName(st.CipherSuite), versionName(st.Version), prefix, subjectCN, prefix, issuerCN)
}

func versionName(v uint16) string {
	switch v {
	case stdtls.VersionTLS10:
		return "TLS1.0"
	case stdtls.VersionTLS11:
		return "TLS1.1"
	case stdtls.VersionTLS12:
		return "TLS1.2"
	case stdtls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}
