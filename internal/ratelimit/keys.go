// Package ratelimit implements the hierarchical rate limiter and
// proof-of-work gate of spec §4.B: per-level quotas and bans over
// individual/network address keys, plus a per-IP/per-network PoW
// difficulty counter for CONN actions.
package ratelimit

import (
	"net"
)

// Category tags a request for tiered limiting (spec §4.B).
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryFederation Category = "federation"
	CategoryGeneral    Category = "general"
	CategoryWebsocket  Category = "websocket"
)

// AddressKeys computes the AddressKeys for a request: the individual
// address (IPv4/32 or IPv6/64), its enclosing network (IPv4/24 or
// IPv6/48), and the category, giving three keys for a parseable IP and
// only the category key otherwise. It follows the teacher's
// subnet-grouping precedent (internal/middleware/security.go
// NormalizeIPSubnet: IPv4/24, IPv6/48).
func AddressKeys(ipStr string, category Category) []string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return []string{"cat:" + string(category)}
	}

	keys := make([]string, 0, 5)
	if v4 := ip.To4(); v4 != nil {
		keys = append(keys, "ipv4/32:"+v4.String())
		keys = append(keys, "ipv4/24:"+maskedIP(v4, net.CIDRMask(24, 32)))
	} else {
		v6 := ip.To16()
		keys = append(keys, "ipv6/64:"+maskedIP(v6, net.CIDRMask(64, 128)))
		keys = append(keys, "ipv6/48:"+maskedIP(v6, net.CIDRMask(48, 128)))
	}
	keys = append(keys, "cat:"+string(category))
	return keys
}

func maskedIP(ip net.IP, mask net.IPMask) string {
	return ip.Mask(mask).String()
}

// NetworkKey returns just the enclosing-network key for an IP (used by the
// PoW counter, which tracks per-IP and per-network difficulty
// independently — spec §4.B).
func NetworkKey(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr
	}
	if v4 := ip.To4(); v4 != nil {
		return "ipv4/24:" + maskedIP(v4, net.CIDRMask(24, 32))
	}
	return "ipv6/48:" + maskedIP(ip.To16(), net.CIDRMask(48, 128))
}
