// Package imagegen turns a text prompt into a stored PNG.
//
// A generation is one throttled call to an OpenAI-compatible images endpoint,
// a bounded download of the returned image, and a PutObject into the
// configured bucket. The public URL of the stored object is returned.
//
// Per-caller admission happens before this package is reached (see
// internal/ratelimit). The throttle here protects the shared upstream quota
// across all callers.
package imagegen
