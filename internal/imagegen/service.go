package imagegen

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/secrets"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

const (
	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultModel         = "dall-e-2"
	DefaultSize          = "512x512"
	DefaultMaxImageBytes = 20 << 20
	DefaultTimeout       = 90 * time.Second
)

// Metrics is implemented by metrics.ServerMetrics
type Metrics interface {
	ObserveGeneration(result string, d time.Duration, bytes int64)
	ObserveUpstreamThrottle(d time.Duration)
}

type Options struct {
	Logger  log.Logger
	BaseURL string
	APIKey  secrets.Source
	Model   string
	Size    string
	Count   int

	Bucket   string
	Prefix   string
	KMSKeyID string
	Putter   ObjectPutter

	// RPS and Burst throttle upstream calls across all callers. RPS <= 0 disables the throttle.
	RPS   float64
	Burst int

	// HTTPClient defaults to a client with an otelhttp transport and Timeout
	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxImageBytes int64
	Metrics       Metrics
	Clock         func() time.Time
}

type Result struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
	Model string `json:"model"`
	Size  string `json:"size"`
}

type Service struct {
	logger        log.Logger
	baseURL       string
	apiKey        secrets.Source
	model         string
	size          string
	count         int
	bucket        string
	prefix        string
	kmsKeyID      string
	putter        ObjectPutter
	throttle      *rate.Limiter
	client        *http.Client
	maxImageBytes int64
	metrics       Metrics
	now           func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Size == "" {
		opts.Size = DefaultSize
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	prefix, err := pathutil.CleanKeyPrefix(opts.Prefix)
	if err != nil {
		return nil, xerrors.Wrap(err, "imagegen")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "imagegen " + r.Method + " " + r.URL.Host
				}),
			),
		}
	}

	throttle := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		throttle = rate.NewLimiter(rate.Limit(opts.RPS), max(opts.Burst, 1))
	}

	return &Service{
		logger:        opts.Logger,
		baseURL:       opts.BaseURL,
		apiKey:        opts.APIKey,
		model:         opts.Model,
		size:          opts.Size,
		count:         opts.Count,
		bucket:        opts.Bucket,
		prefix:        prefix,
		kmsKeyID:      opts.KMSKeyID,
		putter:        opts.Putter,
		throttle:      throttle,
		client:        client,
		maxImageBytes: opts.MaxImageBytes,
		metrics:       opts.Metrics,
		now:           opts.Clock,
	}, nil
}

// Configured reports whether a key, bucket, and object store are all present
func (s *Service) Configured() bool {
	return s.apiKey != nil && s.apiKey.Value() != "" && s.bucket != "" && s.putter != nil
}

// GenerateAndStore generates one image for prompt and writes it to the bucket
func (s *Service) GenerateAndStore(ctx context.Context, prompt string) (res *Result, err error) {
	ctx, span := otelx.Tracer().Start(ctx, "imagegen.GenerateAndStore")
	span.SetAttributes(
		attribute.String("imagegen.model", s.model),
		attribute.String("imagegen.size", s.size),
		attribute.Int("imagegen.prompt_length", len(prompt)),
	)
	start := time.Now()
	defer func() {
		var bytes int64
		if res != nil {
			bytes = res.Bytes
		}
		if s.metrics != nil {
			s.metrics.ObserveGeneration(resultLabel(err), time.Since(start), bytes)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, resultLabel(err))
		}
		span.End()
	}()

	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	apiKey := s.apiKey.Value()

	waitStart := time.Now()
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(err, "wait for upstream throttle")
	}
	if s.metrics != nil {
		s.metrics.ObserveUpstreamThrottle(time.Since(waitStart))
	}

	imageURL, err := s.generate(ctx, apiKey, prompt)
	if err != nil {
		return nil, err
	}
	data, err := s.download(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	key, err := s.store(ctx, prompt, data)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	res = &Result{
		URL:   objectURL(s.bucket, key),
		Key:   key,
		Bytes: int64(len(data)),
		Model: s.model,
		Size:  s.size,
	}
	span.SetAttributes(attribute.String("imagegen.key", key), attribute.Int64("imagegen.bytes", res.Bytes))
	s.logger.Info(ctx, "image stored", "key", key, "bytes", res.Bytes, "model", s.model)
	return res, nil
}

func resultLabel(err error) string {
	var ue *UpstreamError
	var se *StorageError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrNotConfigured):
		return "rejected"
	case errors.As(err, &ue), errors.Is(err, ErrNoImage), errors.Is(err, ErrImageTooLarge):
		return "upstream_error"
	case errors.As(err, &se):
		return "storage_error"
	default:
		return "error"
	}
}
