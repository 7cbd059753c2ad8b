// Package socket implements the pluggable socket layer: address parsing,
// a provider v-table (listen/upgrade/close/disconnect/read/write/flush/
// state), an OS-backed standard provider, and optional transports layered
// behind the same interface (spec.md §4.4).
package socket

import (
	"strconv"
	"strings"
)

// Address is the result of parsing a "[scheme://]host[:port]" string
// (spec.md §4.4 "parseSocketAddress").
type Address struct {
	IP     string // empty means "any" (wildcard bind)
	Port   int    // -1 means "caller chooses" (ephemeral/wildcard '*')
	Secure bool   // true if the address carried an "https"/"wss"-style scheme
}

// IsIPv6 reports whether ip looks like an IPv6 literal (contains a colon
// and is not a bare IPv4 string), matching the original's own ipv6()
// heuristic (spec.md §4.4).
func IsIPv6(ip string) bool {
	return strings.Count(ip, ":") >= 2
}

// ParseAddress parses address into its ip/port/secure components,
// defaultPort filling in a missing port. It is a direct port of
// mprParseSocketAddress's IPv4/IPv6/bracket-notation handling
// (spec.md §4.4, original_source/src/socket.c).
func ParseAddress(address string, defaultPort int) Address {
	if defaultPort < 0 {
		defaultPort = 80
	}
	a := Address{Secure: strings.HasPrefix(address, "https") || strings.HasPrefix(address, "wss")}

	ip := address
	if sp := strings.IndexByte(ip, ' '); sp >= 0 {
		ip = ip[:sp]
	}
	if idx := strings.Index(ip, "://"); idx >= 0 {
		ip = ip[idx+3:]
	}

	if IsIPv6(ip) || strings.HasPrefix(ip, "[") {
		parseIPv6(ip, defaultPort, &a)
		return a
	}
	parseIPv4(ip, defaultPort, &a)
	return a
}

func parseIPv6(ip string, defaultPort int, a *Address) {
	a.Port = defaultPort
	if !strings.HasPrefix(ip, "[") {
		a.IP = ip
		return
	}
	close := strings.IndexByte(ip, ']')
	if close < 0 {
		a.IP = strings.TrimPrefix(ip, "[")
		return
	}
	a.IP = ip[1:close]
	rest := ip[close+1:]
	if strings.HasPrefix(rest, ":") {
		portStr := rest[1:]
		if portStr == "*" {
			a.Port = -1
		} else if p, err := strconv.Atoi(portStr); err == nil {
			a.Port = p
		}
	}
}

func parseIPv4(ip string, defaultPort int, a *Address) {
	if idx := strings.IndexByte(ip, ':'); idx >= 0 {
		host, portStr := ip[:idx], ip[idx+1:]
		a.IP = host
		if a.IP == "*" {
			a.IP = ""
		}
		if portStr == "*" {
			a.Port = -1
		} else if p, err := strconv.Atoi(portStr); err == nil {
			a.Port = p
		} else {
			a.Port = defaultPort
		}
		return
	}
	if strings.Contains(ip, ".") {
		a.IP = ip
		a.Port = defaultPort
		return
	}
	if ip != "" && ip[0] >= '0' && ip[0] <= '9' {
		if p, err := strconv.Atoi(ip); err == nil {
			a.Port = p
			a.IP = ""
			return
		}
	}
	a.IP = ip
	a.Port = defaultPort
}
