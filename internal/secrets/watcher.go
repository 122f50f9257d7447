package secrets

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/health"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

const (
	DefaultPollInterval   = 5 * time.Minute
	DefaultStaleThreshold = 30 * time.Minute

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// ParameterGetter is the slice of *ssm.Client the watcher uses
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// WatcherMetrics is implemented by metrics.ServerMetrics
type WatcherMetrics interface {
	IncSecretPolls()
	IncSecretRotations()
	IncSecretError(errType string)
	SetSecretLastSuccess(t time.Time)
	SetSecretStale(stale bool)
}

type WatcherOptions struct {
	Logger log.Logger
	Client ParameterGetter
	// Param is the SSM parameter name holding the key
	Param          string
	PollInterval   time.Duration
	StaleThreshold time.Duration
	Metrics        WatcherMetrics
	// OnRotate is called on the poll goroutine after a new value is stored, with its fingerprint
	OnRotate func(fingerprint string)
}

// Watcher keeps an SSM SecureString in memory. Value is safe for concurrent use.
type Watcher struct {
	client         ParameterGetter
	param          string
	logger         log.Logger
	interval       time.Duration
	staleThreshold time.Duration
	metrics        WatcherMetrics
	onRotate       func(string)
	now            func() time.Time

	value atomic.Pointer[string]

	// owned by the poll goroutine
	consecutiveErrs int
	lastSuccessAt   time.Time
	staleLogged     bool
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Client == nil {
		return nil, xerrors.New("secrets watcher: ssm client is required")
	}
	if strings.TrimSpace(opts.Param) == "" {
		return nil, xerrors.New("secrets watcher: parameter name is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	return &Watcher{
		client:         opts.Client,
		param:          opts.Param,
		logger:         opts.Logger.With("ssm_param", opts.Param),
		interval:       opts.PollInterval,
		staleThreshold: opts.StaleThreshold,
		metrics:        opts.Metrics,
		onRotate:       opts.OnRotate,
		now:            time.Now,
	}, nil
}

// Value returns the last fetched secret, or "" before the first successful fetch
func (w *Watcher) Value() string {
	if p := w.value.Load(); p != nil {
		return *p
	}
	return ""
}

// Ready reports whether a value was ever loaded
func (w *Watcher) Ready() bool { return w.value.Load() != nil }

// Probe fails until the first successful fetch, for the readiness endpoint
func (w *Watcher) Probe() health.CheckFunc {
	return func(context.Context) error {
		if !w.Ready() {
			return xerrors.Newf("api key not loaded from %s", w.param)
		}
		return nil
	}
}

// Load performs one synchronous fetch, used at startup before serving
func (w *Watcher) Load(ctx context.Context) error {
	_, err := w.poll(ctx)
	return err
}

// Run polls until ctx is cancelled. Intended to be launched as: go w.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "secret watcher starting", "poll_interval", w.interval.String())

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "secret watcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}

		_, err := w.poll(ctx)
		next := w.interval
		switch {
		case err != nil:
			w.consecutiveErrs++
			next = w.backoffDuration()
			w.logger.Warn(ctx, "secret watcher: backing off",
				"consecutive_errors", w.consecutiveErrs,
				"next_poll_in", next.String(),
			)
			w.checkStale(ctx)
		case w.consecutiveErrs > 0:
			w.logger.Info(ctx, "secret watcher: recovered, resuming normal interval",
				"had_consecutive_errors", w.consecutiveErrs,
			)
			w.consecutiveErrs = 0
		}
		timer.Reset(next)
	}
}

// poll fetches the parameter once and swaps it in when it changed
func (w *Watcher) poll(ctx context.Context) (rotated bool, err error) {
	if w.metrics != nil {
		w.metrics.IncSecretPolls()
	}

	val, err := w.fetch(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "secret watcher: ssm fetch failed")
		if w.metrics != nil {
			w.metrics.IncSecretError("ssm")
		}
		return false, err
	}

	w.lastSuccessAt = w.now()
	if w.metrics != nil {
		w.metrics.SetSecretLastSuccess(w.lastSuccessAt)
	}
	if w.staleLogged {
		w.staleLogged = false
		w.logger.Info(ctx, "secret watcher: staleness recovered")
		if w.metrics != nil {
			w.metrics.SetSecretStale(false)
		}
	}

	prev := w.value.Load()
	if prev != nil && cryptoutil.SecretEqual(*prev, val) {
		return false, nil
	}
	w.value.Store(&val)

	fp := cryptoutil.Fingerprint(val)
	if prev == nil {
		w.logger.Info(ctx, "secret watcher: api key loaded", "fingerprint", fp)
		return true, nil
	}
	w.logger.Info(ctx, "secret watcher: api key rotated",
		"old_fingerprint", cryptoutil.Fingerprint(*prev),
		"new_fingerprint", fp,
	)
	if w.metrics != nil {
		w.metrics.IncSecretRotations()
	}
	if w.onRotate != nil {
		w.onRotate(fp)
	}
	return true, nil
}

func (w *Watcher) fetch(ctx context.Context) (string, error) {
	out, err := w.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(w.param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", w.param)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", w.param)
	}
	val := strings.TrimSpace(*out.Parameter.Value)
	if val == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", w.param)
	}
	return val, nil
}

// checkStale logs once on the transition into staleness. The last good key keeps being served.
func (w *Watcher) checkStale(ctx context.Context) {
	if w.staleLogged || !w.Ready() {
		return
	}
	age := w.now().Sub(w.lastSuccessAt)
	if age <= w.staleThreshold {
		return
	}
	w.staleLogged = true
	w.logger.Error(ctx, xerrors.Newf("last successful SSM fetch was %s ago", age.Truncate(time.Second)),
		"secret watcher: api key is stale, still serving last known value",
	)
	if w.metrics != nil {
		w.metrics.SetSecretStale(true)
	}
}

// backoffDuration: 1 error -> 2x interval, 2 -> 4x, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return max(d, w.interval)
}
