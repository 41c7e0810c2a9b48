package device

import (
	"net"
	"net/netip"
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// IsPrivate reports whether address (host or host:port) is an RFC1918
// IPv4 address. Host names and anything unparsable count as public.
func IsPrivate(address string) bool {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()

	for _, p := range privateRanges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Scheme returns the URL scheme used to reach address.
func Scheme(address string) string {
	if IsPrivate(address) {
		return "https"
	}
	return "http"
}
