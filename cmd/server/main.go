package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/health"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/imagegen"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/imagehttp"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/prof"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/secrets"
	v "github.com/keithlinneman/linnemanlabs-imagegen/internal/version"
)

// drainPeriod is how long readiness fails before listeners close, so load balancers stop sending traffic
const drainPeriod = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// precedence: flags > env > config file > defaults
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.App, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if conf.ConfigFile != "" {
		if err := cfg.FillFromYAML(flag.CommandLine, conf.ConfigFile); err != nil {
			fmt.Fprintln(os.Stderr, "config file error:", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"ratelimit_per_minute", conf.RateLimitPerMinute,
		"ratelimit_per_hour", conf.RateLimitPerHour,
		"ratelimit_window_limit", conf.RateLimitWindowLimit,
		"ratelimit_window_minutes", conf.RateLimitWindowMinutes,
		"ratelimit_exempt_roles", conf.RateLimitExemptRoles,
		"image_model", conf.ImageModel,
		"image_size", conf.ImageSize,
		"images_s3_bucket", conf.ImagesS3Bucket,
		"generation_enabled", conf.GenerationEnabled(),
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		ProfileMutexFraction: 5,
		OnActive:             m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	limiter, err := ratelimit.New(ctx, limiterOptions(ctx, L, conf, m)...)
	if err != nil {
		L.Error(ctx, err, "invalid rate limit configuration")
		os.Exit(1)
	}
	m.RegisterTrackedIdentities(limiter.Len)
	L.Info(ctx, "rate limiter configured", "policies", len(limiter.Policies()), "enabled", limiter.Enabled())

	var gate health.ShutdownGate
	readinessProbes := []health.Probe{gate.Probe()}

	var apiKey secrets.Source = secrets.Static(conf.OpenAIAPIKey)
	var putter imagegen.ObjectPutter
	if conf.GenerationEnabled() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		putter = s3.NewFromConfig(awsCfg)

		if conf.OpenAIAPIKeySSMParam != "" {
			w, err := startKeyWatcher(ctx, L, awsCfg, conf, m)
			if err != nil {
				L.Error(ctx, err, "failed to start api key watcher")
				os.Exit(1)
			}
			apiKey = w
			readinessProbes = append(readinessProbes, w.Probe())
		}
	} else {
		L.Warn(ctx, "image generation not configured, generate requests will get 503")
	}

	gen, err := imagegen.New(imagegen.Options{
		Logger:   L,
		BaseURL:  conf.OpenAIBaseURL,
		APIKey:   apiKey,
		Model:    conf.ImageModel,
		Size:     conf.ImageSize,
		Count:    conf.ImageCount,
		Bucket:   conf.ImagesS3Bucket,
		Prefix:   conf.ImagesS3Prefix,
		KMSKeyID: conf.ImagesKMSKeyARN,
		Putter:   putter,
		RPS:      conf.UpstreamRPS,
		Burst:    conf.UpstreamBurst,
		Timeout:  conf.UpstreamTimeout,
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create image generator")
		os.Exit(1)
	}

	imageAPI := imagehttp.NewAPI(imagehttp.Options{
		Logger:    L,
		Generator: gen,
		Usage:     limiter,
		Limit:     limiter.Middleware,
	})

	readiness := health.All(readinessProbes...)

	_, appStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		IdentityOpts: httpmw.IdentityOptions{
			UserHeader:      conf.IdentityHeader,
			RoleHeader:      conf.RoleHeader,
			DefaultIdentity: conf.DefaultIdentity,
			ExemptRoles:     conf.ExemptRoles(),
		},
		APIRoutes: func(r chi.Router) { imageAPI.RegisterRoutes(r) },
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}

	// admin listener: metrics, probes, pprof. Public peers are refused in middleware
	// in case the security group is ever misconfigured.
	ops, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness notification skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received, draining", "drain_period", drainPeriod.String())

	gate.Set("draining")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := appStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := ops.Stop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	L.Info(bg, "shutdown complete", "tracked_identities", limiter.Len())
}

// startKeyWatcher loads the API key once and keeps polling it. A failed first load is logged,
// not fatal: readiness stays down until a fetch succeeds.
func startKeyWatcher(ctx context.Context, L log.Logger, awsCfg aws.Config, conf cfg.App, m *metrics.ServerMetrics) (*secrets.Watcher, error) {
	w, err := secrets.NewWatcher(secrets.WatcherOptions{
		Logger:       L,
		Client:       ssm.NewFromConfig(awsCfg),
		Param:        conf.OpenAIAPIKeySSMParam,
		PollInterval: conf.OpenAIKeyRefresh,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Load(ctx); err != nil {
		L.Warn(ctx, "initial api key load failed, will retry in background")
	}
	go func() { _ = w.Run(ctx) }()
	return w, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
