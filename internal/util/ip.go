package util

import "net"

// HostClass is the routing class of a redirect URI host.
type HostClass int

const (
	HostPublic HostClass = iota
	HostLoopback
	HostPrivate
	HostLinkLocal
	HostUnspecified
)

func (c HostClass) String() string {
	switch c {
	case HostPublic:
		return "public"
	case HostLoopback:
		return "loopback"
	case HostPrivate:
		return "private"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the class of ip. A nil ip is unspecified.
func ClassifyIP(ip net.IP) HostClass {
	switch {
	case ip == nil, ip.IsUnspecified():
		return HostUnspecified
	case ip.IsLoopback():
		return HostLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// includes the 169.254.169.254 cloud metadata address
		return HostLinkLocal
	case ip.IsPrivate():
		return HostPrivate
	default:
		return HostPublic
	}
}

// IsLoopbackHost reports whether hostname (without port, as returned by
// url.URL.Hostname) is "localhost" or a loopback IP literal. Native apps may
// register plain http redirect URIs on such hosts (RFC 8252 section 7.3).
func IsLoopbackHost(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if n := len(hostname); n > 2 && hostname[0] == '[' && hostname[n-1] == ']' {
		hostname = hostname[1 : n-1]
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// IsInternalHost reports whether hostname is an IP literal that is not
// publicly routable. DNS names are not resolved and report false.
func IsInternalHost(hostname string) bool {
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ClassifyIP(ip) != HostPublic
}
