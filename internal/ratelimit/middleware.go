package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
)

type rejection struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Middleware admits or rejects each request against the caller's identity.
// It must run after httpmw.Identity; without a resolved caller the client IP is used as identity.
// Exempt callers, and every caller when no policy is enabled, pass straight through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		caller, ok := httpmw.CallerFromContext(ctx)
		if !ok {
			caller.ID = httpmw.ClientIPFromContext(ctx)
		}
		if caller.Exempt {
			next.ServeHTTP(w, r)
			return
		}

		d := l.Admit(caller.ID, l.clock())

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		span.SetAttributes(
			attribute.String("ratelimit.policy", string(d.Policy.Kind)),
			attribute.Int("ratelimit.count", d.Count),
		)

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", retryAfterSeconds(d))
		w.Header().Set("X-RateLimit-Policy", string(d.Policy.Kind))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rejection{
			Error:  "rate limit exceeded",
			Reason: d.Reason + " Please try again later.",
		})
	})
}

// retryAfterSeconds rounds up to whole seconds, never below 1
func retryAfterSeconds(d Decision) string {
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
