// Package httpmw provides HTTP middleware for the public API server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client IP, OTEL tracing, trace response headers,
// metrics, request-scoped logger, caller identity, and inside the chi router
// route annotation, access log, and body limits. The rate limiter runs on the
// API routes only, after identity has been resolved.
//
// Request bodies, prompts, query strings and user agents are kept out of logs.
package httpmw
