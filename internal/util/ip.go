package util

import "net"

// IPClassification is the routing class of an IP address, used when deciding
// whether a redirect URI host may be reached.
type IPClassification int

const (
	// IPClassificationPublic is a publicly routable address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback covers 127.0.0.0/8 and ::1.
	IPClassificationLoopback
	// IPClassificationPrivate covers RFC 1918 ranges and fc00::/7.
	IPClassificationPrivate
	// IPClassificationLinkLocal covers 169.254.0.0/16, fe80::/10 and ff02::/16.
	IPClassificationLinkLocal
	// IPClassificationUnspecified covers 0.0.0.0 and ::.
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil ip classifies as
// unspecified. Link-local is checked before private so cloud metadata
// addresses like 169.254.169.254 never pass as merely private.
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil || ip.IsUnspecified() {
		return IPClassificationUnspecified
	}
	if ip.IsLoopback() {
		return IPClassificationLoopback
	}
	if IsLinkLocal(ip) {
		return IPClassificationLinkLocal
	}
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsLinkLocal reports whether ip is link-local unicast or multicast.
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal reports whether ip is anything other than public.
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

// IsLoopbackHostname reports whether hostname resolves textually to a
// loopback address. It accepts "localhost", anything in 127.0.0.0/8, ::1
// and the bracketed IPv6 form. 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
