package v1

import (
	"net"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const fallbackClientIP = "127.0.0.1"

// proxyIPHeaders are checked in order after X-Forwarded-For.
var proxyIPHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// getClientIP returns the first public client address found in proxy
// headers or on the connection. Private and loopback addresses are skipped
// so that a reverse proxy never becomes every visitor's identity.
func getClientIP(c *fiber.Ctx) string {
	if ip := selectPreferredIP(strings.Split(c.Get("X-Forwarded-For"), ",")); ip != "" {
		return ip
	}

	for _, header := range proxyIPHeaders {
		if value := c.Get(header); value != "" {
			if ip := selectPreferredIP([]string{value}); ip != "" {
				return ip
			}
		}
	}

	if forwarded := c.Get("Forwarded"); forwarded != "" {
		if ip := selectPreferredIP(parseForwardedHeader(forwarded)); ip != "" {
			return ip
		}
	}

	if ip := selectPreferredIP([]string{c.Context().RemoteAddr().String(), c.IP()}); ip != "" {
		return ip
	}

	return fallbackClientIP
}

func isPublicIP(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsUnspecified() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast()
}

// selectPreferredIP picks the first public IPv4 address, falling back to the
// first public IPv6 address.
func selectPreferredIP(values []string) string {
	var ipv6Fallback string

	for _, raw := range values {
		addr, ok := normalizeIP(raw)
		if !ok || !isPublicIP(addr) {
			continue
		}

		if addr.Is4() {
			return addr.String()
		}

		if ipv6Fallback == "" {
			ipv6Fallback = addr.String()
		}
	}

	return ipv6Fallback
}

// normalizeIP parses an address that may be quoted, bracketed, carry a port
// or a zone, or be an IPv4-mapped IPv6 address.
func normalizeIP(raw string) (netip.Addr, bool) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"")
	if clean == "" {
		return netip.Addr{}, false
	}

	if addrPort, err := netip.ParseAddrPort(clean); err == nil {
		return addrPort.Addr().WithZone("").Unmap(), true
	}

	trimmed := strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return addr.WithZone("").Unmap(), true
	}

	if host, _, err := net.SplitHostPort(clean); err == nil && host != clean {
		return normalizeIP(host)
	}

	return netip.Addr{}, false
}

// parseForwardedHeader extracts the for= values of an RFC 7239 header.
func parseForwardedHeader(header string) []string {
	var candidates []string

	for _, entry := range strings.Split(header, ",") {
		for _, part := range strings.Split(entry, ";") {
			part = strings.TrimSpace(part)
			if len(part) > 4 && strings.EqualFold(part[:4], "for=") {
				candidates = append(candidates, part[4:])
			}
		}
	}

	return candidates
}
