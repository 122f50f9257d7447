package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/health"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
)

type Options struct {
	Logger log.Logger
	// Port defaults to 8080, -1 binds an ephemeral port
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
	IdentityOpts httpmw.IdentityOptions
	// APIRoutes registers the application routes. Route-level middleware such as the rate limiter is attached there.
	APIRoutes func(chi.Router)
	// MaxBodyBytes is the default body cap for every route, 0 means 64 KiB
	MaxBodyBytes int64
}
