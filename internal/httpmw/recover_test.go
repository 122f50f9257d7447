package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
)

// spyLogger captures Error calls for assertions
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errors []spyError
	kv     []any
}

type spyError struct {
	msg string
	err error
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop()}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	s.mu.Lock()
	s.kv = append(s.kv, kv...)
	s.mu.Unlock()
	return s
}

func (s *spyLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, spyError{msg: msg, err: err})
}

func (s *spyLogger) lastError() (spyError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) == 0 {
		return spyError{}, false
	}
	return s.errors[len(s.errors)-1], true
}

func TestRecover_NoPanic(t *testing.T) {
	spy := newSpyLogger()
	h := Recover(spy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if _, logged := spy.lastError(); logged {
		t.Fatal("error logged when no panic occurred")
	}
}

func TestRecover_Panics(t *testing.T) {
	panicErr := errors.New("upstream client nil")
	tests := []struct {
		name  string
		value any
	}{
		{"string", "something broke"},
		{"error", panicErr},
		{"int", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := newSpyLogger()
			var calls int
			h := Recover(spy, func() { calls++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.value)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/images", http.NoBody))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "internal server error") {
				t.Fatalf("body = %q", rec.Body.String())
			}
			if calls != 1 {
				t.Fatalf("onPanic called %d times, want 1", calls)
			}
			e, ok := spy.lastError()
			if !ok {
				t.Fatal("expected error to be logged")
			}
			if e.msg != "httpserver panic recovered" {
				t.Fatalf("msg = %q", e.msg)
			}
			if err, isErr := tt.value.(error); isErr && !errors.Is(e.err, err) {
				t.Fatalf("logged err %v does not wrap the panic value", e.err)
			}
		})
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(newSpyLogger(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	t.Fatal("ErrAbortHandler should propagate")
}
