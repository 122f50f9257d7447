package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500 response.
// onPanic, if set, is called once per recovered panic (metrics counter).
// http.ErrAbortHandler is re-panicked so net/http can abort the connection as intended.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", fmt.Sprint(v))
				}
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered")

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
