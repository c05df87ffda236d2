// Package outbound delivers JSON webhooks to user-supplied URLs with an
// address guard and retry with backoff.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// BlockedError reports a target refused by the address guard.
type BlockedError struct {
	Target string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked outbound target %s: %s", e.Target, e.Reason)
}

// IsBlocked reports whether err was produced by the guard.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
}

// IsPrivateAddr reports whether addr is loopback, private, link-local or
// otherwise not publicly routable.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsLoopback() || addr.IsMulticast() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Guard refuses webhook targets that resolve to internal addresses.
type Guard struct {
	AllowPrivate bool
	// LookupNetIP defaults to net.DefaultResolver.LookupNetIP.
	LookupNetIP func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// CheckURL validates the scheme and host of raw.
func (g *Guard) CheckURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid webhook url: scheme %q not supported", u.Scheme)
	}
	host := normalizeHostname(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("invalid webhook url: missing host")
	}
	if g == nil || g.AllowPrivate {
		return u, nil
	}

	if blockedHostnames[host] {
		return nil, &BlockedError{Target: host, Reason: "blocked hostname"}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return nil, &BlockedError{Target: host, Reason: "blocked hostname"}
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivateAddr(addr) {
			return nil, &BlockedError{Target: host, Reason: "private address"}
		}
		return u, nil
	}

	lookup := g.LookupNetIP
	if lookup == nil {
		lookup = net.DefaultResolver.LookupNetIP
	}
	addrs, err := lookup(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("unable to resolve %s", host)
	}
	for _, addr := range addrs {
		if IsPrivateAddr(addr) {
			return nil, &BlockedError{Target: host, Reason: "resolves to private address"}
		}
	}
	return u, nil
}

// dialControl re-checks the connected address so a DNS answer that changes
// between CheckURL and dial cannot reach an internal host.
func (g *Guard) dialControl(network, address string, _ syscall.RawConn) error {
	if g == nil || g.AllowPrivate {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return &BlockedError{Target: address, Reason: "unparseable address"}
	}
	if IsPrivateAddr(ap.Addr()) {
		return &BlockedError{Target: address, Reason: "private address"}
	}
	return nil
}

func normalizeHostname(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	return strings.TrimSuffix(strings.TrimPrefix(normalized, "["), "]")
}
