package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// ErrInvalidConfig is returned by New when the options describe an impossible policy set.
// It is a construction error, never an admission outcome.
var ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

const (
	defaultIdleTTL = 5 * time.Minute
	defaultShards  = 32
)

// entry is the admitted-request history of one identity
type entry struct {
	mu sync.Mutex
	// times is sorted ascending
	times    []time.Time
	lastSeen time.Time
	// warned tracks whether OnFirstDenied already fired for this entry.
	// resets when the entry is evicted and re-created
	warned bool
	// dead is set under both the shard and entry lock when the sweeper removes the entry
	dead bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter holds per-identity request histories and decides admission against the enabled policies.
// The zero value is not usable, construct with New.
type Limiter struct {
	// policies in evaluation order: per-minute, per-hour, sliding window
	policies  []Policy
	maxWindow time.Duration

	shards []*shard

	ttl           time.Duration
	maxIdentities int
	tracked       atomic.Int64
	atCapacity    atomic.Bool

	clock func() time.Time

	onDenied      func(identity string, d Decision)
	onFirstDenied func(identity string, d Decision)
	onCapacity    func()
	onEvict       func(n int)

	// option staging, validated in New
	perMinute     *int
	perHour       *int
	windowLimit   *int
	windowMinutes int
	shardCount    int
}

type Option func(*Limiter)

// WithRequestsPerMinute caps admitted requests within the trailing 60 seconds.
// Zero rejects every request.
func WithRequestsPerMinute(n int) Option {
	return func(l *Limiter) {
		l.perMinute = &n
	}
}

// WithRequestsPerHour caps admitted requests within the trailing 3600 seconds.
func WithRequestsPerHour(n int) Option {
	return func(l *Limiter) {
		l.perHour = &n
	}
}

// WithSlidingWindow caps admitted requests within the trailing minutes*60 seconds.
func WithSlidingWindow(limit, minutes int) Option {
	return func(l *Limiter) {
		l.windowLimit = &limit
		l.windowMinutes = minutes
	}
}

// WithIdleTTL controls how long an identity with no live history stays tracked before the sweeper evicts it
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.ttl = d
	}
}

// WithMaxIdentities bounds the number of tracked identities. 0 means unbounded.
// New identities arriving at the bound are rejected until the sweeper frees room.
func WithMaxIdentities(n int) Option {
	return func(l *Limiter) {
		l.maxIdentities = n
	}
}

// WithShards sets how many independently locked maps identities are spread over
func WithShards(n int) Option {
	return func(l *Limiter) {
		l.shardCount = n
	}
}

// WithOnDenied sets a callback for every rejected request, used for prometheus counters
func WithOnDenied(fn func(identity string, d Decision)) Option {
	return func(l *Limiter) {
		l.onDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first rejection per tracked identity, used for logging.
// Separate from OnDenied so a caller hammering the limit produces one log line, not thousands
func WithOnFirstDenied(fn func(identity string, d Decision)) Option {
	return func(l *Limiter) {
		l.onFirstDenied = fn
	}
}

// WithOnCapacity sets a callback fired once each time the identity table fills up
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.onCapacity = fn
	}
}

// WithOnEvict sets a callback receiving the number of identities removed by each sweep that removed any
func WithOnEvict(fn func(n int)) Option {
	return func(l *Limiter) {
		l.onEvict = fn
	}
}

// WithClock replaces time.Now for the middleware and the background sweeper
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		l.clock = fn
	}
}

// New validates the options, builds the limiter and starts the background sweeper.
// The sweeper stops when ctx is cancelled. With no policy enabled no sweeper is started
// and every Admit passes without touching the table.
func New(ctx context.Context, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		ttl:        defaultIdleTTL,
		shardCount: defaultShards,
		clock:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	if err := l.build(); err != nil {
		return nil, err
	}

	if l.Enabled() {
		go l.sweepLoop(ctx)
	}
	return l, nil
}

func (l *Limiter) build() error {
	var errs []error

	if l.perMinute != nil {
		if *l.perMinute < 0 {
			errs = append(errs, xerrors.Newf("%w: requests per minute must be >= 0 (got %d)", ErrInvalidConfig, *l.perMinute))
		} else {
			l.policies = append(l.policies, Policy{Kind: KindPerMinute, Limit: *l.perMinute, Window: time.Minute})
		}
	}
	if l.perHour != nil {
		if *l.perHour < 0 {
			errs = append(errs, xerrors.Newf("%w: requests per hour must be >= 0 (got %d)", ErrInvalidConfig, *l.perHour))
		} else {
			l.policies = append(l.policies, Policy{Kind: KindPerHour, Limit: *l.perHour, Window: time.Hour})
		}
	}
	if l.windowLimit != nil {
		switch {
		case *l.windowLimit < 0:
			errs = append(errs, xerrors.Newf("%w: sliding window limit must be >= 0 (got %d)", ErrInvalidConfig, *l.windowLimit))
		case l.windowMinutes <= 0:
			errs = append(errs, xerrors.Newf("%w: sliding window minutes must be > 0 (got %d)", ErrInvalidConfig, l.windowMinutes))
		default:
			l.policies = append(l.policies, Policy{
				Kind:   KindSlidingWindow,
				Limit:  *l.windowLimit,
				Window: time.Duration(l.windowMinutes) * time.Minute,
			})
		}
	}

	if l.ttl <= 0 {
		errs = append(errs, xerrors.Newf("%w: idle ttl must be > 0 (got %s)", ErrInvalidConfig, l.ttl))
	}
	if l.maxIdentities < 0 {
		errs = append(errs, xerrors.Newf("%w: max identities must be >= 0 (got %d)", ErrInvalidConfig, l.maxIdentities))
	}
	if l.shardCount <= 0 {
		errs = append(errs, xerrors.Newf("%w: shards must be > 0 (got %d)", ErrInvalidConfig, l.shardCount))
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, p := range l.policies {
		l.maxWindow = max(l.maxWindow, p.Window)
	}
	l.shards = make([]*shard, l.shardCount)
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return nil
}

// Enabled reports whether at least one policy is configured
func (l *Limiter) Enabled() bool {
	return len(l.policies) > 0
}

// Policies returns the enabled policies in evaluation order
func (l *Limiter) Policies() []Policy {
	return slices.Clone(l.policies)
}

// Len returns the number of tracked identities
func (l *Limiter) Len() int {
	return int(l.tracked.Load())
}

func (l *Limiter) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Admit decides whether a request from identity at now is admitted and records it if so.
// A rejection leaves the identity's history untouched, so repeated rejected calls at the
// same instant return the same decision.
func (l *Limiter) Admit(identity string, now time.Time) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}

	for {
		e, ok := l.acquire(identity)
		if !ok {
			d := capacityDecision()
			if l.atCapacity.CompareAndSwap(false, true) && l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(identity, d)
			}
			return d
		}

		e.mu.Lock()
		if e.dead {
			// evicted between lookup and lock, look it up again
			e.mu.Unlock()
			continue
		}
		if now.After(e.lastSeen) {
			e.lastSeen = now
		}
		e.prune(now, l.maxWindow)

		d := l.evaluate(e.times, now)
		first := false
		if d.Allowed {
			e.insert(now)
		} else if !e.warned {
			e.warned = true
			first = true
		}
		e.mu.Unlock()

		// hooks run with no lock held, they may log or do other slow work
		if !d.Allowed {
			if first && l.onFirstDenied != nil {
				l.onFirstDenied(identity, d)
			}
			if l.onDenied != nil {
				l.onDenied(identity, d)
			}
		}
		return d
	}
}

// acquire returns the entry for identity, creating it when there is room
func (l *Limiter) acquire(identity string) (*entry, bool) {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[identity]; ok {
		return e, true
	}
	if !l.reserve() {
		return nil, false
	}
	e := &entry{}
	s.entries[identity] = e
	return e, true
}

// reserve claims one slot in the identity table
func (l *Limiter) reserve() bool {
	for {
		n := l.tracked.Load()
		if l.maxIdentities > 0 && n >= int64(l.maxIdentities) {
			return false
		}
		if l.tracked.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// evaluate checks policies in order and stops at the first violation
func (l *Limiter) evaluate(times []time.Time, now time.Time) Decision {
	for _, p := range l.policies {
		window := l.countWindow(p)
		idx := firstWithin(times, now, window)
		count := len(times) - idx
		if count >= p.Limit {
			return Decision{
				Allowed:    false,
				Reason:     p.reason(count),
				Policy:     p,
				Count:      count,
				RetryAfter: retryAfter(times[idx:], now, p.Limit, window),
			}
		}
	}
	return Decision{Allowed: true}
}

// countWindow is the span a policy counts over. The sliding window counts everything still
// retained, so its entries only age out with the longest enabled window.
func (l *Limiter) countWindow(p Policy) time.Duration {
	if p.Kind == KindSlidingWindow {
		return l.maxWindow
	}
	return p.Window
}

// firstWithin returns the index of the first timestamp t with now-t < window.
// times must be sorted ascending.
func firstWithin(times []time.Time, now time.Time, window time.Duration) int {
	return sort.Search(len(times), func(i int) bool {
		return now.Sub(times[i]) < window
	})
}

// retryAfter is how long until enough in-window entries expire to leave room for one more.
// inWindow must be sorted ascending.
func retryAfter(inWindow []time.Time, now time.Time, limit int, window time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	// count-limit+1 entries have to leave, the last of them is at index count-limit
	t := inWindow[len(inWindow)-limit]
	return max(t.Add(window).Sub(now), 0)
}

// prune drops timestamps that lie outside every enabled window
func (e *entry) prune(now time.Time, maxWindow time.Duration) {
	if k := firstWithin(e.times, now, maxWindow); k > 0 {
		e.times = slices.Delete(e.times, 0, k)
	}
}

// insert keeps times sorted even when callers pass out-of-order clocks
func (e *entry) insert(now time.Time) {
	n := len(e.times)
	if n == 0 || !now.Before(e.times[n-1]) {
		e.times = append(e.times, now)
		return
	}
	i := sort.Search(n, func(i int) bool { return e.times[i].After(now) })
	e.times = slices.Insert(e.times, i, now)
}

// Usage reports the current per-policy counts for identity without recording anything.
// An identity that is not tracked reports zero counts.
func (l *Limiter) Usage(identity string, now time.Time) Usage {
	u := Usage{Identity: identity, Policies: make([]PolicyUsage, 0, len(l.policies))}
	if !l.Enabled() {
		return u
	}

	var times []time.Time
	s := l.shardFor(identity)
	s.mu.Lock()
	e, ok := s.entries[identity]
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		if !e.dead {
			times = slices.Clone(e.times)
		}
		e.mu.Unlock()
	}

	for _, p := range l.policies {
		count := len(times) - firstWithin(times, now, l.countWindow(p))
		u.Policies = append(u.Policies, PolicyUsage{
			Policy:    p,
			Count:     count,
			Remaining: max(p.Limit-count, 0),
		})
	}
	return u
}

// Sweep evicts identities idle for longer than the TTL whose history has aged out of every window.
// Identities with live history are kept regardless of idleness so eviction never loosens a limit.
// Returns the number evicted.
func (l *Limiter) Sweep(now time.Time) int {
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			e.mu.Lock()
			if now.Sub(e.lastSeen) > l.ttl && firstWithin(e.times, now, l.maxWindow) == len(e.times) {
				e.dead = true
				delete(s.entries, id)
				evicted++
			}
			e.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		l.tracked.Add(-int64(evicted))
		l.atCapacity.Store(false)
		if l.onEvict != nil {
			l.onEvict(evicted)
		}
	}
	return evicted
}

// sweepLoop runs every TTL/2 to avoid holding stale entries much longer than intended
func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(max(l.ttl/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.clock())
		}
	}
}
