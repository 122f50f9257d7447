package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/health"
)

type Options struct {
	// Port defaults to 9000. Tests pass -1 to bind an ephemeral port.
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic is called for every recovered handler panic, wired to a prometheus counter
	OnPanic func()
}
