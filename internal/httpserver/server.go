package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/health"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

const defaultMaxBody = 64 << 10

// NewHandler builds an HTTP handler with routes + middleware
// main() owns shutdown through the stop func returned by Start
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	r := chi.NewRouter()

	// responses are small JSON documents, compress them for clients that ask
	r.Use(middleware.Compress(5, "application/json"))

	// rename the server span to the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(maxBody))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Middleware (outermost last in wrapping order)
	var h http.Handler = r

	// caller identity, needs the request logger to attach enduser.id
	h = httpmw.Identity(opts.IdentityOpts)(h)

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	// add trace-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes are polled constantly and carry no signal
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute will rename the span later to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Client IP resolution (before identity so the limiter can fall back to it)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	return h
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// Server timeout defaults. WriteTimeout covers a full generate-and-store round trip.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 120 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns the bound address and stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (string, func(context.Context) error, error) {
	port := opts.Port
	switch {
	case port == 0:
		port = 8080
	case port < 0:
		port = 0
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return "", nil, xerrors.Wrapf(err, "listen on %s", addr)
	}
	bound := ln.Addr().String()

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", bound)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}
	return bound, stop, nil
}
