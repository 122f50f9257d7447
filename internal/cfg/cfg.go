package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/pathutil"
)

// EnvPrefix is prepended to upper-cased flag names, -ratelimit-per-minute reads LMIMG_RATELIMIT_PER_MINUTE
const EnvPrefix = "LMIMG_"

// Disabled is the limit value that turns a rate limit policy off
const Disabled = -1

var (
	AllowedImageSizes  = []string{"256x256", "512x512", "1024x1024", "1792x1024", "1024x1792"}
	AllowedImageModels = []string{"dall-e-2", "dall-e-3"}
)

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort         int
	AdminPort        int
	TrustedProxyHops int

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSample     float64

	// rate limiting, Disabled (-1) turns a policy off
	RateLimitPerMinute     int
	RateLimitPerHour       int
	RateLimitWindowLimit   int
	RateLimitWindowMinutes int
	RateLimitIdleTTL       time.Duration
	RateLimitMaxIdentities int
	RateLimitExemptRoles   string

	IdentityHeader  string
	RoleHeader      string
	DefaultIdentity string

	OpenAIBaseURL        string
	OpenAIAPIKey         string
	OpenAIAPIKeySSMParam string
	OpenAIKeyRefresh     time.Duration
	ImageModel           string
	ImageSize            string
	ImageCount           int
	UpstreamRPS          float64
	UpstreamBurst        int
	UpstreamTimeout      time.Duration

	ImagesS3Bucket  string
	ImagesS3Prefix  string
	ImagesKMSKeyARN string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file of flag-name: value pairs")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted (0..5)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the OTLP endpoint (false uses TLS)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.IntVar(&c.RateLimitPerMinute, "ratelimit-per-minute", 10, "max requests per identity in the trailing minute (-1 disables)")
	fs.IntVar(&c.RateLimitPerHour, "ratelimit-per-hour", 1000, "max requests per identity in the trailing hour (-1 disables)")
	fs.IntVar(&c.RateLimitWindowLimit, "ratelimit-window-limit", 100, "max requests per identity in the sliding window (-1 disables)")
	fs.IntVar(&c.RateLimitWindowMinutes, "ratelimit-window-minutes", 15, "sliding window length in minutes")
	fs.DurationVar(&c.RateLimitIdleTTL, "ratelimit-idle-ttl", 5*time.Minute, "how long an identity with no live history stays tracked")
	fs.IntVar(&c.RateLimitMaxIdentities, "ratelimit-max-identities", 100000, "max tracked identities (0 = unbounded)")
	fs.StringVar(&c.RateLimitExemptRoles, "ratelimit-exempt-roles", "admin", "comma separated roles that are never rate limited")

	fs.StringVar(&c.IdentityHeader, "identity-header", "X-User-Id", "request header carrying the caller identity")
	fs.StringVar(&c.RoleHeader, "role-header", "X-User-Role", "request header carrying the caller role")
	fs.StringVar(&c.DefaultIdentity, "default-identity", "default_user", "identity used when the identity header is absent")

	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "https://api.openai.com/v1", "image generation API base url")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "image generation API key (prefer -openai-api-key-ssm-param)")
	fs.StringVar(&c.OpenAIAPIKeySSMParam, "openai-api-key-ssm-param", "", "SSM SecureString parameter holding the API key")
	fs.DurationVar(&c.OpenAIKeyRefresh, "openai-key-refresh", 5*time.Minute, "how often the SSM API key parameter is re-read")
	fs.StringVar(&c.ImageModel, "image-model", "dall-e-2", strings.Join(AllowedImageModels, "|"))
	fs.StringVar(&c.ImageSize, "image-size", "512x512", strings.Join(AllowedImageSizes, "|"))
	fs.IntVar(&c.ImageCount, "image-count", 1, "images requested per generation (1..10)")
	fs.Float64Var(&c.UpstreamRPS, "upstream-rps", 5, "max generation API calls per second across all callers")
	fs.IntVar(&c.UpstreamBurst, "upstream-burst", 5, "burst of generation API calls above upstream-rps")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", 90*time.Second, "timeout for one generate-and-store call")

	fs.StringVar(&c.ImagesS3Bucket, "images-s3-bucket", "", "s3 bucket generated images are stored in (empty disables generation)")
	fs.StringVar(&c.ImagesS3Prefix, "images-s3-prefix", "", "s3 key prefix for generated images")
	fs.StringVar(&c.ImagesKMSKeyARN, "images-kms-key-arn", "", "KMS key for SSE-KMS on stored images (empty uses bucket default)")
}

// explicitFlags returns the flags that have been set so far (cli, or env/yaml once filled)
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > config file > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := explicitFlags(fs)

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// ExemptRoles splits RateLimitExemptRoles on commas, dropping blanks
func (c App) ExemptRoles() []string {
	var out []string
	for _, r := range strings.Split(c.RateLimitExemptRoles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// GenerationEnabled reports whether enough is configured to serve generate requests
func (c App) GenerationEnabled() bool {
	return c.ImagesS3Bucket != "" && (c.OpenAIAPIKey != "" || c.OpenAIAPIKeySSMParam != "")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 5 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..5 (got %d)", c.TrustedProxyHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing and profiling
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	errs = append(errs, validateRateLimit(c)...)
	errs = append(errs, validateGeneration(c)...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateRateLimit(c App) []error {
	var errs []error
	limits := []struct {
		name string
		v    int
	}{
		{"RATELIMIT_PER_MINUTE", c.RateLimitPerMinute},
		{"RATELIMIT_PER_HOUR", c.RateLimitPerHour},
		{"RATELIMIT_WINDOW_LIMIT", c.RateLimitWindowLimit},
	}
	for _, l := range limits {
		if l.v < Disabled {
			errs = append(errs, fmt.Errorf("%s must be >= 0, or -1 to disable (got %d)", l.name, l.v))
		}
	}
	if c.RateLimitWindowLimit != Disabled && c.RateLimitWindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW_MINUTES must be > 0 when the sliding window is enabled (got %d)", c.RateLimitWindowMinutes))
	}
	if c.RateLimitIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_IDLE_TTL must be > 0 (got %s)", c.RateLimitIdleTTL))
	}
	if c.RateLimitMaxIdentities < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_IDENTITIES must be >= 0 (got %d)", c.RateLimitMaxIdentities))
	}
	if c.IdentityHeader == "" || c.RoleHeader == "" {
		errs = append(errs, fmt.Errorf("IDENTITY_HEADER and ROLE_HEADER must be set"))
	} else if strings.EqualFold(c.IdentityHeader, c.RoleHeader) {
		errs = append(errs, fmt.Errorf("IDENTITY_HEADER and ROLE_HEADER must differ (both %q)", c.IdentityHeader))
	}
	if strings.TrimSpace(c.DefaultIdentity) == "" {
		errs = append(errs, fmt.Errorf("DEFAULT_IDENTITY must not be empty"))
	}
	return errs
}

func validateGeneration(c App) []error {
	var errs []error
	if !isURL(c.OpenAIBaseURL) {
		errs = append(errs, fmt.Errorf("OPENAI_BASE_URL must be a URL (got %q)", c.OpenAIBaseURL))
	}
	if c.OpenAIAPIKey != "" && c.OpenAIAPIKeySSMParam != "" {
		errs = append(errs, fmt.Errorf("set only one of OPENAI_API_KEY and OPENAI_API_KEY_SSM_PARAM"))
	}
	if c.OpenAIAPIKeySSMParam != "" && c.OpenAIKeyRefresh < time.Second {
		errs = append(errs, fmt.Errorf("OPENAI_KEY_REFRESH must be >= 1s (got %s)", c.OpenAIKeyRefresh))
	}
	if !slices.Contains(AllowedImageModels, c.ImageModel) {
		errs = append(errs, fmt.Errorf("IMAGE_MODEL %q not one of %s", c.ImageModel, strings.Join(AllowedImageModels, ", ")))
	}
	if !slices.Contains(AllowedImageSizes, c.ImageSize) {
		errs = append(errs, fmt.Errorf("IMAGE_SIZE %q not one of %s", c.ImageSize, strings.Join(AllowedImageSizes, ", ")))
	}
	if c.ImageCount < 1 || c.ImageCount > 10 {
		errs = append(errs, fmt.Errorf("IMAGE_COUNT must be 1..10 (got %d)", c.ImageCount))
	}
	if c.UpstreamRPS <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_RPS must be > 0 (got %g)", c.UpstreamRPS))
	}
	if c.UpstreamBurst < 1 {
		errs = append(errs, fmt.Errorf("UPSTREAM_BURST must be >= 1 (got %d)", c.UpstreamBurst))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be > 0 (got %s)", c.UpstreamTimeout))
	}
	if pathutil.HasDotSegments(c.ImagesS3Prefix) {
		errs = append(errs, fmt.Errorf("IMAGES_S3_PREFIX must not contain dot segments (got %q)", c.ImagesS3Prefix))
	}
	return errs
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
