package socket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsIPv6(t *testing.T) {
	require.True(t, IsIPv6("::1"))
	require.True(t, IsIPv6("fe80::1%eth0"))
	require.False(t, IsIPv6("127.0.0.1"))
	require.False(t, IsIPv6(""))
}

func TestParseAddressPlainHostPort(t *testing.T) {
	a := ParseAddress("127.0.0.1:8080", 80)
	require.Equal(t, "127.0.0.1", a.IP)
	require.Equal(t, 8080, a.Port)
	require.False(t, a.Secure)
}

func TestParseAddressDefaultsPort(t *testing.T) {
	a := ParseAddress("127.0.0.1", 8080)
	require.Equal(t, "127.0.0.1", a.IP)
	require.Equal(t, 8080, a.Port)
}

func TestParseAddressSchemeStripped(t *testing.T) {
	a := ParseAddress("https://example.com:443", 80)
	require.Equal(t, "example.com", a.IP)
	require.Equal(t, 443, a.Port)
	require.True(t, a.Secure)
}

func TestParseAddressWildcardIPAndPort(t *testing.T) {
	a := ParseAddress("*:*", 80)
	require.Equal(t, "", a.IP)
	require.Equal(t, -1, a.Port)
}

func TestParseAddressBarePortNumber(t *testing.T) {
	a := ParseAddress("9090", 80)
	require.Equal(t, "", a.IP)
	require.Equal(t, 9090, a.Port)
}

func TestParseAddressIPv6Bracketed(t *testing.T) {
	a := ParseAddress("[::1]:9090", 80)
	require.Equal(t, "::1", a.IP)
	require.Equal(t, 9090, a.Port)
}

func TestParseAddressIPv6BracketedWildcardPort(t *testing.T) {
	a := ParseAddress("[::1]:*", 80)
	require.Equal(t, "::1", a.IP)
	require.Equal(t, -1, a.Port)
}

func TestParseAddressBareIPv6(t *testing.T) {
	a := ParseAddress("::1", 8080)
	require.Equal(t, "::1", a.IP)
	require.Equal(t, 8080, a.Port)
}
