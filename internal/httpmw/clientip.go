package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies between the client and this server.
	// 0 ignores X-Forwarded-For entirely, 1 takes the rightmost entry (single ALB),
	// 2 the second from the right (CDN then ALB), and so on.
	TrustedHops int
}

// ClientIP stores the client address in the context using default options (no trusted proxies)
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the client address in the context.
// It is the rate limiter's identity of last resort and the client.address log field.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP only honors X-Forwarded-For when the direct peer is a private address
// and proxies are configured. In every other case the forwarding headers are stripped so
// nothing further down trusts them by accident.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	if trustedHops <= 0 || !peer.IsPrivate() {
		stripForwarded(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than configured proxies, fail closed
		stripForwarded(r)
		return peer.String()
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIP, or ""
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
