// Package overlaynet holds the overlay-subnet arithmetic shared by the
// node supervisor, the virtual-interface wrapper and the config
// validator: a single /24 that every peer's address is checked against.
package overlaynet

import (
	"fmt"
	"net"
)

// DefaultCIDR is the overlay subnet per spec: 10.10.0.0/24, netmask
// 255.255.255.0, typical starting address 10.10.0.2.
const DefaultCIDR = "10.10.0.0/24"

// DefaultStart is the first address handed to a fresh node before auto-heal
// retries kick in (see internal/tun).
var DefaultStart = net.IPv4(10, 10, 0, 2).To4()

// Subnet wraps a parsed overlay CIDR and answers membership/broadcast
// questions against it.
type Subnet struct {
	ipNet     *net.IPNet
	broadcast net.IP
}

// Parse parses a CIDR string (e.g. "10.10.0.0/24") into a Subnet.
func Parse(cidr string) (*Subnet, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("overlaynet: parse %q: %w", cidr, err)
	}
	if ip4 := ipNet.IP.To4(); ip4 == nil {
		return nil, fmt.Errorf("overlaynet: %q is not an IPv4 subnet", cidr)
	}

	bcast := make(net.IP, 4)
	ip4 := ipNet.IP.To4()
	mask := ipNet.Mask
	for i := range bcast {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return &Subnet{ipNet: ipNet, broadcast: bcast}, nil
}

// Default returns the overlay subnet parsed from DefaultCIDR. It never fails.
func Default() *Subnet {
	s, err := Parse(DefaultCIDR)
	if err != nil {
		panic("overlaynet: invalid DefaultCIDR: " + err.Error())
	}
	return s
}

// Contains reports whether ip lies within the overlay subnet.
func (s *Subnet) Contains(ip net.IP) bool {
	return s.ipNet.Contains(ip)
}

// IsBroadcast reports whether ip is this subnet's directed broadcast address
// (10.10.0.255 for the default /24).
func (s *Subnet) IsBroadcast(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	return ip4.Equal(s.broadcast)
}

// IsMulticast reports whether ip is an IPv4 multicast address (224.0.0.0/4).
func IsMulticast(ip net.IP) bool {
	return ip.IsMulticast()
}

// NextOctet returns ip with its last octet advanced by one, skipping the
// network (.0) and broadcast (.255) addresses, wrapping from 254 back to 1.
// Used by the auto-healing bind in internal/tun: up to 20 attempts,
// incrementing the last octet each time a bind fails.
func NextOctet(ip net.IP) net.IP {
	ip4 := ip.To4()
	next := make(net.IP, 4)
	copy(next, ip4)
	o := next[3] + 1
	if o == 255 {
		o = 1
	}
	if o == 0 {
		o = 1
	}
	next[3] = o
	return next
}

// Mask returns the dotted-decimal netmask for the overlay subnet.
func (s *Subnet) Mask() net.IP {
	m := make(net.IP, 4)
	copy(m, s.ipNet.Mask)
	return m
}

// String returns the CIDR notation of the subnet.
func (s *Subnet) String() string {
	return s.ipNet.String()
}
