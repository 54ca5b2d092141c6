package calendar

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs
	// with a host.
	ErrInvalidURL = errors.New("invalid feed URL")

	// ErrBlockedAddress is returned when a feed host is, or resolves to, a
	// loopback, private, link-local or otherwise internal address.
	ErrBlockedAddress = errors.New("blocked address")
)

// 0.0.0.0/8 is "this network"; connecting to any of it reaches the local host.
var thisNetwork = netip.MustParsePrefix("0.0.0.0/8")

// isBlockedAddr reports whether addr must never be contacted by the fetcher.
// IPv4-mapped IPv6 addresses are judged by their IPv4 form.
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),          // 10/8, 172.16/12, 192.168/16, fc00::/7
		addr.IsLinkLocalUnicast(), // 169.254/16 incl. 169.254.169.254, fe80::/10
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast():
		return true
	case addr.Is4() && thisNetwork.Contains(addr):
		return true
	case addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}):
		return true
	}
	return false
}

// validateFeedURL checks scheme and host before any network I/O. It returns
// the parsed URL and, for literal IP hosts, the address itself.
func validateFeedURL(raw string) (*url.URL, netip.Addr, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("%w: unparseable", ErrInvalidURL)
	}
	return validateParsedURL(u)
}

func validateParsedURL(u *url.URL) (*url.URL, netip.Addr, error) {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, netip.Addr{}, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, netip.Addr{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, netip.Addr{}, fmt.Errorf("%w: localhost", ErrBlockedAddress)
	}

	// Zones ("fe80::1%eth0") only appear on link-local literals.
	if addr, err := netip.ParseAddr(host); err == nil {
		return u, addr, nil
	}
	return u, netip.Addr{}, nil
}

// redactURL keeps only scheme and host so feed tokens in paths or query
// strings never reach logs or stored error text.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return redactParsed(u)
}

func redactParsed(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + u.Host
}

// ValidateSourceURL is the user-facing check applied when a source URL is
// saved. It performs no DNS lookups; resolution is checked at fetch time.
func ValidateSourceURL(raw string) error {
	_, addr, err := validateFeedURL(raw)
	if err != nil {
		return err
	}
	if addr.IsValid() && isBlockedAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr.Unmap())
	}
	return nil
}
