package main

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/ratelimit"
)

// limiterMetrics is the part of metrics.ServerMetrics the limiter hooks feed
type limiterMetrics interface {
	IncRateLimitDenied(policy string)
	IncRateLimitFirstDenied()
	IncRateLimitCapacity()
	AddRateLimitEvicted(n int)
}

// limiterOptions turns config into limiter options. A policy set to cfg.Disabled is left out.
func limiterOptions(ctx context.Context, L log.Logger, conf cfg.App, m limiterMetrics) []ratelimit.Option {
	var opts []ratelimit.Option
	if conf.RateLimitPerMinute != cfg.Disabled {
		opts = append(opts, ratelimit.WithRequestsPerMinute(conf.RateLimitPerMinute))
	}
	if conf.RateLimitPerHour != cfg.Disabled {
		opts = append(opts, ratelimit.WithRequestsPerHour(conf.RateLimitPerHour))
	}
	if conf.RateLimitWindowLimit != cfg.Disabled {
		opts = append(opts, ratelimit.WithSlidingWindow(conf.RateLimitWindowLimit, conf.RateLimitWindowMinutes))
	}

	return append(opts,
		ratelimit.WithIdleTTL(conf.RateLimitIdleTTL),
		ratelimit.WithMaxIdentities(conf.RateLimitMaxIdentities),
		ratelimit.WithOnDenied(func(_ string, d ratelimit.Decision) {
			m.IncRateLimitDenied(string(d.Policy.Kind))
		}),
		// one warn line per tracked identity, not per rejected request
		ratelimit.WithOnFirstDenied(func(id string, d ratelimit.Decision) {
			m.IncRateLimitFirstDenied()
			L.Warn(ctx, "rate limit triggered",
				"enduser.id", id,
				"ratelimit.policy", string(d.Policy.Kind),
				"ratelimit.reason", d.Reason,
			)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limiter at capacity, rejecting new identities until idle ones are evicted",
				"max_identities", conf.RateLimitMaxIdentities,
			)
		}),
		ratelimit.WithOnEvict(func(n int) {
			m.AddRateLimitEvicted(n)
			L.Debug(ctx, "evicted idle identities", "count", n)
		}),
	)
}
