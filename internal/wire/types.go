// Package wire implements the resolver's binary pack codec and framing:
// every message in spec.md §6, encoded as length-prefixed, tag-discriminated
// binary values.
package wire

import (
	"fmt"
	"net"
	"net/netip"
)

// Permission is a bitset over the permission kinds spec.md §3 names.
type Permission uint8

const (
	PermSubscribe Permission = 1 << iota
	PermList
	PermPublish
	PermPublishDefault
)

func (p Permission) Has(bit Permission) bool { return p&bit != 0 }

// ResolverID is the 64-bit opaque id assigned to a resolver instance.
type ResolverID uint64

// CtxID is the 64-bit monotonic id issued for an authenticated read session.
type CtxID uint64

// Address is a socket address (IPv4/IPv6 + port), used as both publisher
// identity and routed destination.
type Address struct {
	IP   netip.Addr
	Port uint16
}

// AddressFromNetAddr converts a net.Addr (as returned by net.Conn.RemoteAddr)
// into the wire Address representation.
func AddressFromNetAddr(a net.Addr) (Address, error) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(a.String())
		if err != nil {
			return Address{}, fmt.Errorf("wire: cannot parse address %q: %w", a.String(), err)
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			return Address{}, fmt.Errorf("wire: cannot parse host %q: %w", host, err)
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		return Address{IP: ip, Port: uint16(port)}, nil
	}
	addr, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return Address{}, fmt.Errorf("wire: invalid IP %v", tcp.IP)
	}
	return Address{IP: addr.Unmap(), Port: uint16(tcp.Port)}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

func (a Address) Equal(o Address) bool { return a.IP == o.IP && a.Port == o.Port }

// Referral redirects a path lookup to another resolver cluster.
type Referral struct {
	Path    string
	Targets []string // addresses of the delegated resolver cluster
}
