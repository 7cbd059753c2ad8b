package tls

import (
	"crypto/rand"
	"crypto/rsa"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProtocolRangeDefault(t *testing.T) {
	min, max := protocolRange(0)
	require.Equal(t, uint16(stdtls.VersionTLS12), min)
	require.Equal(t, uint16(stdtls.VersionTLS13), max)
}

func TestProtocolRangeTLS12Only(t *testing.T) {
	min, max := protocolRange(ProtoTLS12)
	require.Equal(t, uint16(stdtls.VersionTLS12), min)
	require.Equal(t, uint16(stdtls.VersionTLS12), max)
}

func TestResolveCiphersUnknownName(t *testing.T) {
	_, err := resolveCiphers([]string{"NOT_A_REAL_CIPHER"})
	require.Error(t, err)
}

func TestResolveCiphersKnownName(t *testing.T) {
	names := []string{}
	for name := range cipherSuitesByName {
		names = append(names, name)
		break
	}
	require.Len(t, names, 1)
	ids, err := resolveCiphers(names)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}

// selfSignedPair generates an in-memory self-signed cert/key pair so the
// handshake test needs no files on disk.
func selfSignedPair(t *testing.T) stdtls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return stdtls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

// clientServerPair returns a connected net.Conn pair without any TLS on
// top, for tests that drive upgradeSocket themselves on both ends.
func clientServerPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-serverCh
	require.NotNil(t, server)
	return client, server
}

func TestTranslateHandshakeErrorUnknownAuthority(t *testing.T) {
	msg := translateHandshakeError(x509.UnknownAuthorityError{})
	require.Contains(t, msg, "Certificate not trusted")
}

func TestTranslateHandshakeErrorOtherFailure(t *testing.T) {
	msg := translateHandshakeError(errors.New("connection reset"))
	require.NotContains(t, msg, "Certificate not trusted")
}

func TestBuildVerifyCallbackOffWhenNoKnobsSet(t *testing.T) {
	cb := buildVerifyCallback(&Config{VerifyPeer: true})
	require.Nil(t, cb)
}

func TestBuildVerifyCallbackRejectsDeeperChain(t *testing.T) {
	cb := buildVerifyCallback(&Config{VerifyPeer: true, VerifyDepth: 1})
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "leaf"}}
	mid := &x509.Certificate{Subject: pkix.Name{CommonName: "mid"}}
	err := cb(nil, [][]*x509.Certificate{{leaf, mid}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds allowed depth")
}

func TestBuildVerifyCallbackRejectsIssuerMismatch(t *testing.T) {
	cb := buildVerifyCallback(&Config{VerifyPeer: true, VerifyIssuer: true})
	leaf := &x509.Certificate{Issuer: pkix.Name{CommonName: "ca-a"}}
	ca := &x509.Certificate{Subject: pkix.Name{CommonName: "ca-b"}}
	err := cb(nil, [][]*x509.Certificate{{leaf, ca}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not match")
}

func TestDescribeStateFallsBackForNonTLSConn(t *testing.T) {
	client, server := clientServerPair(t)
	defer client.Close()
	defer server.Close()
	require.Equal(t, "PROVIDER=plain", describeState(client, "PROVIDER=plain", false))
}

func TestDescribeStateIncludesPeerCNsWithSidePrefix(t *testing.T) {
	cert := selfSignedPair(t)

	serverCfg := &stdtls.Config{
		Certificates: []stdtls.Certificate{cert},
		ClientAuth:   stdtls.RequireAnyClientCert,
	}
	ln, err := stdtls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan *stdtls.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			serverConnCh <- nil
			return
		}
		tc := c.(*stdtls.Conn)
		_ = tc.Handshake()
		serverConnCh <- tc
	}()

	clientCfg := &stdtls.Config{
		Certificates:       []stdtls.Certificate{cert},
		InsecureSkipVerify: true,
	}
	clientConn, err := stdtls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer clientConn.Close()
	require.NoError(t, clientConn.Handshake())

	serverConn := <-serverConnCh
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	clientState := describeState(clientConn, "fallback", false)
	require.Contains(t, clientState, "PROVIDER=tls")
	require.Contains(t, clientState, "CLIENT_S_CN=localhost")
	require.Contains(t, clientState, "CLIENT_I_CN=localhost")

	serverState := describeState(serverConn, "fallback", true)
	require.Contains(t, serverState, "SERVER_S_CN=localhost")
}

func TestUpgradeSocketHandshake(t *testing.T) {
	cert := selfSignedPair(t)

	serverCfg := &stdtls.Config{Certificates: []stdtls.Certificate{cert}}
	ln, err := stdtls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, err = conn.Read(buf)
		serverDone <- err
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	clientCfg := &Config{VerifyPeer: false}
	upgraded, err := upgradeSocket(raw, clientCfg, "localhost", false)
	require.NoError(t, err)

	_, err = upgraded.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, <-serverDone)
}
