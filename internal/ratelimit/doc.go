// Package ratelimit decides, per caller identity, whether a request is
// admitted under up to three independently configured policies: a cap per
// trailing minute, a cap per trailing hour, and a cap over a sliding window
// of configurable length.
//
// The limiter keeps the timestamps of admitted requests per identity in an
// in-memory table owned by the Limiter. State is local to one process: it is
// not persisted and not shared between instances.
//
// Admit for a single identity is serialized under that identity's own lock,
// so concurrent requests from one caller cannot both slip under a limit.
// Unrelated identities only share a shard lock for the map lookup.
//
// Identities whose history has aged out of every window are evicted by a
// background sweeper once they have been idle for the configured TTL.
//
// Deciding who is limited at all (privileged roles, health checks) is up to
// the caller; the limiter applies its policies to every identity it is given.
package ratelimit
