package socket

import (
	"fmt"
	"net"

	"github.com/huin/goupnp"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/pmrhq/pmr/internal/rlog"
)

// NATMethod selects an optional port-mapping protocol to request when
// listening behind a NAT gateway (spec.md §4.6 "NAT traversal").
type NATMethod int

const (
	NATNone NATMethod = iota
	NATPMP
	NATUPnP
)

// ListenConfig extends ListenOptions with the provider name and optional
// NAT traversal request (spec.md §4.4 "mprListenOnSocket" flags,
// §4.6 "NAT traversal").
type ListenConfig struct {
	ListenOptions
	Provider string // defaults to "standard"
	NAT      NATMethod
}

// Listen binds and listens on ip:port, wrapping the resulting
// net.Listener in a Socket. A wildcard ip ("") prefers a dual-stack
// listener so one socket serves both IPv4 and IPv6, matching
// mprListenOnSocket's documented behavior (spec.md §4.4).
func Listen(ip string, port int, cfg ListenConfig) (*Socket, error) {
	providerName := cfg.Provider
	if providerName == "" {
		providerName = "standard"
	}
	p, ok := Lookup(providerName)
	if !ok {
		return nil, fmt.Errorf("socket: unknown provider %q", providerName)
	}

	opts := cfg.ListenOptions
	opts.ReuseAddr = true

	addr := Address{IP: ip, Port: port}
	ln, err := p.Listen(addr, opts)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s:%d: %w", ip, port, err)
	}

	if cfg.NAT != NATNone {
		requestPortMapping(cfg.NAT, port)
	}

	s := &Socket{
		provider: p,
		listener: ln,
		addr:     addr,
		ip:       ip,
		port:     port,
		flags:    FlagServer,
	}
	return s, nil
}

// requestPortMapping best-efforts a NAT-PMP mapping for port so inbound
// connections reach a host behind a NAT gateway (spec.md §4.6). For UPnP
// it only discovers a gateway device and logs it; no UPnP port mapping is
// requested.
// Failures are logged, not fatal: the listener still works for any peer
// that can already reach the host directly.
func requestPortMapping(method NATMethod, port int) {
	switch method {
	case NATPMP:
		gwIP, err := guessGatewayIP()
		if err != nil {
			rlog.Warn("nat-pmp: could not determine gateway", "err", err)
			return
		}
		client := natpmp.NewClient(gwIP)
		if _, err := client.AddPortMapping("tcp", port, port, 3600); err != nil {
			rlog.Warn("nat-pmp: port mapping request failed", "port", port, "err", err)
		}
	case NATUPnP:
		devs, err := goupnp.DiscoverDevices("urn:schemas-upnp-org:device:InternetGatewayDevice:1")
		if err != nil || len(devs) == 0 {
			rlog.Warn("upnp: no gateway device discovered", "err", err)
			return
		}
		rlog.Debug("upnp: gateway discovered, no port mapping requested", "port", port, "device", devs[0].Root.Device.FriendlyName)
	}
}

// guessGatewayIP assumes a /24 LAN and returns the .1 address on the
// host's first non-loopback IPv4 interface. NAT-PMP has no discovery
// protocol of its own; real deployments either know their gateway's
// address or run alongside a library that probes the default route. This
// heuristic covers the common home/office LAN case without adding
// another dependency just for that probe.
func guessGatewayIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		gw := make(net.IP, 4)
		copy(gw, ip4)
		gw[3] = 1
		return gw, nil
	}
	return nil, fmt.Errorf("no non-loopback IPv4 interface found")
}
