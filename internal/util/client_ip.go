package util

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPContextKey struct{}

// TrustedProxies lists the load balancers and ingress hops allowed to report
// the uploader's address in X-Forwarded-For / X-Real-IP. A nil value trusts
// nobody, so the mutation rate limit keys on the TCP peer.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses trustedProxyCidrs entries. A bare address is
// treated as a single-host prefix; blank entries are skipped.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr is one of the trusted hops.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address a catalog request is attributed to. Forwarded
// headers only count when the direct peer is trusted; the chain is walked from
// the right and the first untrusted hop wins.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	if hops := forwardedHops(r.Header.Get("X-Forwarded-For")); len(hops) > 0 {
		hops = append(hops, peer)
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted.Contains(hops[i]) {
				return hops[i].String()
			}
		}
		return hops[0].String()
	}
	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.Unmap().String()
	}
	return peer.String()
}

// WithClientIP resolves the caller address once per request for the rate
// limiter and the access log.
func WithClientIP(trusted *TrustedProxies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPContextKey{}, ClientIP(r, trusted))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext returns the address stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func forwardedHops(header string) []netip.Addr {
	var hops []netip.Addr
	for _, part := range strings.Split(header, ",") {
		if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
			hops = append(hops, addr.Unmap())
		}
	}
	return hops
}

func peerAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
