package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrLimitExceeded matches every *LimitExceededError via errors.Is
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Kind names the policy a decision was made under
type Kind string

const (
	KindPerMinute     Kind = "per_minute"
	KindPerHour       Kind = "per_hour"
	KindSlidingWindow Kind = "sliding_window"
	// KindCapacity is reported when a new identity cannot be tracked because the table is full
	KindCapacity Kind = "capacity"
)

// Policy is one enabled limit: at most Limit admissions within the trailing Window.
// A sliding window policy counts every retained entry, and entries are retained for the
// longest enabled window, so with a longer policy enabled it binds over that span.
type Policy struct {
	Kind   Kind
	Limit  int
	Window time.Duration
}

func (p Policy) reason(count int) string {
	switch p.Kind {
	case KindPerMinute:
		return fmt.Sprintf("%d/%d requests per minute limit reached.", count, p.Limit)
	case KindPerHour:
		return fmt.Sprintf("%d/%d requests per hour limit reached.", count, p.Limit)
	case KindSlidingWindow:
		return fmt.Sprintf("%d/%d requests in %d minutes limit reached.", count, p.Limit, int(p.Window/time.Minute))
	default:
		return "rate limiter at capacity."
	}
}

// Decision is the outcome of one Admit call.
// For a rejection Policy is the first violated policy and Count is the number of
// admitted requests it counted at the time of the call.
type Decision struct {
	Allowed bool
	Reason  string
	Policy  Policy
	Count   int
	// RetryAfter is the earliest wait after which the violated policy has room again.
	// Zero when the policy can never have room (limit 0) or on admission.
	RetryAfter time.Duration
}

// Err returns nil for an admission and a *LimitExceededError for a rejection
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitExceededError{Decision: d}
}

func capacityDecision() Decision {
	p := Policy{Kind: KindCapacity}
	return Decision{Allowed: false, Reason: p.reason(0), Policy: p}
}

// LimitExceededError carries a rejected decision for callers that prefer error returns
type LimitExceededError struct {
	Decision Decision
}

func (e *LimitExceededError) Error() string {
	return "rate limit exceeded: " + e.Decision.Reason
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// PolicyUsage is the read-only state of one policy for one identity
type PolicyUsage struct {
	Policy    Policy
	Count     int
	Remaining int
}

// Usage is the read-only state of every enabled policy for one identity
type Usage struct {
	Identity string
	Policies []PolicyUsage
}
