package httpmw

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// statusRecorder captures status and bytes written for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// WithLogger installs a request-scoped logger carrying request id, client address,
// method and path. Query strings are left out, they are caller-controlled.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one line per request once the handler returns. Health probes are skipped.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(sr, r)

			if r.URL.Path == "/-/ready" || r.URL.Path == "/-/healthy" {
				return
			}
			status := sr.status
			if status == 0 {
				status = http.StatusOK
			}

			ctx := r.Context()
			kv := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sr.bytes,
				"http.route", routePattern(r),
			}
			if c, ok := CallerFromContext(ctx); ok {
				kv = append(kv, "enduser.exempt", c.Exempt)
			}
			log.FromContext(ctx).Info(ctx, "http request", kv...)
		})
	}
}
