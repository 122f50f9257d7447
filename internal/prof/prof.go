// Package prof runs the pyroscope continuous profiler.
package prof

import (
	"context"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string
	// mutex and block profiles matter here: the limiter serializes callers on shard and entry locks
	ProfileMutexFraction int
	BlockProfileRate     int
	// OnActive reports whether the profiler is running, wired to the profiling_active gauge
	OnActive func(bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start launches the profiler. The returned stop func is never nil and is safe to call repeatedly.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	report := func(active bool) {
		if opts.OnActive != nil {
			opts.OnActive(active)
		}
	}
	noop := func() {}

	if !opts.Enabled {
		report(false)
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if err := validateAddress(opts.ServerAddress); err != nil {
		report(false)
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		BasicAuthPassword: opts.AuthToken,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		ProfileTypes:      profileTypes,
	})
	if err != nil {
		report(false)
		return noop, xerrors.Wrapf(err, "start pyroscope server_address=%s", opts.ServerAddress)
	}
	report(true)
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			report(false)
			L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
		})
	}, nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return xerrors.New("pyroscope server address is required")
	}
	u, err := url.Parse(addr)
	if err != nil {
		return xerrors.Wrapf(err, "invalid pyroscope server address %q", addr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return xerrors.Newf("invalid pyroscope server address %q: scheme must be http or https", addr)
	}
	if u.Host == "" {
		return xerrors.Newf("invalid pyroscope server address %q: missing host", addr)
	}
	return nil
}
