package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/health"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// Server is a running admin listener
type Server struct {
	Addr string
	stop func(context.Context) error
}

// Stop shuts the server down gracefully. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error { return s.stop(ctx) }

// NewHandler builds the admin mux: /metrics, /-/healthy, /-/ready and pprof.
// Everything is refused for callers outside loopback, private and link-local ranges.
func NewHandler(L log.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("/-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	return httpmw.Chain(mux,
		httpmw.Recover(L, opts.OnPanic),
		func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) },
	)
}

// Start serves the admin handler and returns once the listener is bound
func Start(ctx context.Context, L log.Logger, opts Options) (*Server, error) {
	port := opts.Port
	switch {
	case port == 0:
		port = 9000
	case port < 0:
		port = 0
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// profile and trace endpoints stream for up to their ?seconds= argument
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}
	bound := ln.Addr().String()

	go func() {
		L.Info(ctx, "ops http server listening", "addr", bound)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}
	return &Server{Addr: bound, stop: stop}, nil
}

// requireNonPublicNetwork answers 403 to peers with a public address.
// The admin port should already be firewalled, this is the second layer.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request from public address refused",
				"network.peer.address", addr.String(),
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
