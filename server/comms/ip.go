// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"net"
	"net/netip"
	"strings"
)

// IPKey keys per-client rate limits and quarantine. Non-loopback IPv6
// addresses are reduced to their /64.
type IPKey [16]byte

// NewIPKey makes the key for a remote address, with or without a port. An
// unparseable address gives the zero key.
func NewIPKey(addr string) IPKey {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip, err := netip.ParseAddr(strings.Trim(addr, "[]"))
	if err != nil {
		return IPKey{}
	}
	if ip.Is6() && !ip.Is4In6() && !ip.IsLoopback() {
		ip = netip.PrefixFrom(ip.WithZone(""), 64).Masked().Addr()
	}
	return ip.As16()
}

func (ipk IPKey) String() string {
	return netip.AddrFrom16(ipk).Unmap().String()
}
