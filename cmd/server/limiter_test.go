package main

import (
	"context"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/ratelimit"
)

type countingMetrics struct {
	denied      map[string]int
	firstDenied int
	capacity    int
	evicted     int
}

func (c *countingMetrics) IncRateLimitDenied(p string) {
	if c.denied == nil {
		c.denied = map[string]int{}
	}
	c.denied[p]++
}
func (c *countingMetrics) IncRateLimitFirstDenied()  { c.firstDenied++ }
func (c *countingMetrics) IncRateLimitCapacity()     { c.capacity++ }
func (c *countingMetrics) AddRateLimitEvicted(n int) { c.evicted += n }

func baseConf() cfg.App {
	return cfg.App{
		RateLimitPerMinute:     3,
		RateLimitPerHour:       cfg.Disabled,
		RateLimitWindowLimit:   cfg.Disabled,
		RateLimitWindowMinutes: 15,
		RateLimitIdleTTL:       time.Minute,
	}
}

func TestLimiterOptions_DisabledPoliciesLeftOut(t *testing.T) {
	conf := baseConf()
	conf.RateLimitWindowLimit = 5
	l, err := ratelimit.New(t.Context(), limiterOptions(context.Background(), log.Nop(), conf, &countingMetrics{})...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ps := l.Policies()
	if len(ps) != 2 || ps[0].Kind != ratelimit.KindPerMinute || ps[1].Kind != ratelimit.KindSlidingWindow {
		t.Fatalf("policies = %+v", ps)
	}
	if ps[1].Window != 15*time.Minute {
		t.Fatalf("window = %v", ps[1].Window)
	}
}

func TestLimiterOptions_AllDisabled(t *testing.T) {
	conf := baseConf()
	conf.RateLimitPerMinute = cfg.Disabled
	l, err := ratelimit.New(t.Context(), limiterOptions(context.Background(), log.Nop(), conf, &countingMetrics{})...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Enabled() {
		t.Fatal("limiter enabled with every policy disabled")
	}
}

func TestLimiterOptions_HooksFeedMetrics(t *testing.T) {
	m := &countingMetrics{}
	conf := baseConf()
	conf.RateLimitMaxIdentities = 1
	l, err := ratelimit.New(t.Context(), limiterOptions(context.Background(), log.Nop(), conf, m)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for range 5 {
		l.Admit("alice", now)
	}
	l.Admit("bob", now)

	if m.denied["per_minute"] != 2 || m.firstDenied != 1 {
		t.Fatalf("denied = %v first = %d, want 2 and 1", m.denied, m.firstDenied)
	}
	if m.capacity != 1 || m.denied["capacity"] != 1 {
		t.Fatalf("capacity = %d denied = %v", m.capacity, m.denied)
	}

	l.Sweep(now.Add(2 * time.Hour))
	if m.evicted != 1 {
		t.Fatalf("evicted = %d, want 1", m.evicted)
	}
}
