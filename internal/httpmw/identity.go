package httpmw

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
)

const (
	DefaultUserHeader      = "X-User-Id"
	DefaultRoleHeader      = "X-User-Role"
	DefaultIdentity        = "default_user"
	maxIdentityHeaderBytes = 256
)

// Caller is the resolved identity of the request sender.
// Exempt callers are never rate limited.
type Caller struct {
	ID     string
	Role   string
	Exempt bool
}

type callerKey struct{}

// WithCaller stores c in ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller stored by Identity, ok is false if none ran
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// IdentityOptions configures how callers are identified.
// Headers are expected to be set by an authenticating proxy in front of this service,
// this middleware does not authenticate anything.
type IdentityOptions struct {
	UserHeader string
	RoleHeader string
	// DefaultIdentity is used when the user header is absent, so every anonymous caller shares one budget
	DefaultIdentity string
	// ExemptRoles lists roles that bypass rate limiting. Compared case-insensitively.
	ExemptRoles []string
}

// Identity resolves the caller from request headers and stores it in the context.
// Header values longer than 256 bytes are ignored so callers cannot bloat the limiter table keys.
func Identity(opts IdentityOptions) func(http.Handler) http.Handler {
	if opts.UserHeader == "" {
		opts.UserHeader = DefaultUserHeader
	}
	if opts.RoleHeader == "" {
		opts.RoleHeader = DefaultRoleHeader
	}
	if opts.DefaultIdentity == "" {
		opts.DefaultIdentity = DefaultIdentity
	}
	exempt := make([]string, 0, len(opts.ExemptRoles))
	for _, r := range opts.ExemptRoles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			exempt = append(exempt, r)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := Caller{
				ID:   headerValue(r, opts.UserHeader),
				Role: strings.ToLower(headerValue(r, opts.RoleHeader)),
			}
			if c.ID == "" {
				c.ID = opts.DefaultIdentity
			}
			// only listed roles are exempt, a missing or unknown role is limited
			c.Exempt = c.Role != "" && slices.Contains(exempt, c.Role)

			ctx := WithCaller(r.Context(), c)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("enduser.id", c.ID))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("enduser.id", c.ID),
					attribute.Bool("enduser.exempt", c.Exempt),
				)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func headerValue(r *http.Request, name string) string {
	v := strings.TrimSpace(r.Header.Get(name))
	if len(v) > maxIdentityHeaderBytes {
		return ""
	}
	return v
}
