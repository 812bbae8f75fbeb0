package tracking

import "net"

// maxUserAgentLen bounds the stored user agent string.
const maxUserAgentLen = 256

// AnonymizeIP coarsens an address before storage: the last octet of an IPv4
// address or the last 64 bits of an IPv6 address are zeroed. Unparseable
// input returns empty rather than leaking a raw header value into storage.
func AnonymizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String()
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String()
}

// TruncateUserAgent caps the user agent at the storage bound.
func TruncateUserAgent(ua string) string {
	if len(ua) > maxUserAgentLen {
		return ua[:maxUserAgentLen]
	}
	return ua
}
