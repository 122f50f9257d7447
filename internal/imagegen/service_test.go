package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/secrets"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image-data")

type stubPutter struct {
	mu   sync.Mutex
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (p *stubPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.in = in
	p.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

type spyMetrics struct {
	results []string
}

func (m *spyMetrics) ObserveGeneration(result string, _ time.Duration, _ int64) {
	m.results = append(m.results, result)
}
func (m *spyMetrics) ObserveUpstreamThrottle(time.Duration) {}

// fakeUpstream serves the generation endpoint and the image it points at
type fakeUpstream struct {
	*httptest.Server
	mu        sync.Mutex
	genStatus int
	genBody   string
	image     []byte
	lastReq   generateRequest
	lastAuth  string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{genStatus: http.StatusOK, image: pngBytes}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&f.lastReq)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.genStatus)
		if f.genBody != "" {
			_, _ = io.WriteString(w, f.genBody)
			return
		}
		_, _ = io.WriteString(w, `{"created":1,"data":[{"url":"`+f.URL+`/files/img.png"}]}`)
	})
	mux.HandleFunc("GET /files/img.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(f.image)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

var t0 = time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

func newTestService(t *testing.T, up *fakeUpstream, putter ObjectPutter, mod func(*Options)) *Service {
	t.Helper()
	opts := Options{
		BaseURL:    up.URL + "/v1",
		APIKey:     secrets.Static("sk-test"),
		Bucket:     "images-bucket",
		Prefix:     "/generated/",
		Putter:     putter,
		HTTPClient: up.Client(),
		Clock:      func() time.Time { return t0 },
	}
	if mod != nil {
		mod(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

var keyPattern = regexp.MustCompile(`^generated/a_red_fox__20260301_123045_[0-9a-f]{16}\.png$`)

func TestGenerateAndStore_Success(t *testing.T) {
	up := newFakeUpstream(t)
	putter := &stubPutter{}
	m := &spyMetrics{}
	s := newTestService(t, up, putter, func(o *Options) { o.Metrics = m })

	res, err := s.GenerateAndStore(context.Background(), "a red fox in the snow")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}

	if !keyPattern.MatchString(res.Key) {
		t.Fatalf("key = %q, want match %s", res.Key, keyPattern)
	}
	if want := "https://images-bucket.s3.amazonaws.com/" + res.Key; res.URL != want {
		t.Fatalf("URL = %q, want %q", res.URL, want)
	}
	if res.Bytes != int64(len(pngBytes)) || res.Model != DefaultModel || res.Size != DefaultSize {
		t.Fatalf("result = %+v", res)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if up.lastAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", up.lastAuth)
	}
	if up.lastReq != (generateRequest{Model: "dall-e-2", Prompt: "a red fox in the snow", Size: "512x512", N: 1}) {
		t.Errorf("upstream request = %+v", up.lastReq)
	}

	in := putter.in
	if aws.ToString(in.Bucket) != "images-bucket" || aws.ToString(in.Key) != res.Key {
		t.Errorf("put bucket/key = %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if aws.ToString(in.ContentType) != "image/png" {
		t.Errorf("ContentType = %q", aws.ToString(in.ContentType))
	}
	if in.ServerSideEncryption != "" || in.SSEKMSKeyId != nil {
		t.Errorf("SSE set without a KMS key: %q", in.ServerSideEncryption)
	}
	if string(putter.body) != string(pngBytes) {
		t.Errorf("stored body = %q", putter.body)
	}
	if len(m.results) != 1 || m.results[0] != "ok" {
		t.Errorf("metrics results = %v", m.results)
	}
}

func TestGenerateAndStore_KMSKey(t *testing.T) {
	up := newFakeUpstream(t)
	putter := &stubPutter{}
	s := newTestService(t, up, putter, func(o *Options) { o.KMSKeyID = "arn:aws:kms:us-east-1:1:key/abc" })

	if _, err := s.GenerateAndStore(context.Background(), "cat"); err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	if putter.in.ServerSideEncryption != types.ServerSideEncryptionAwsKms {
		t.Errorf("ServerSideEncryption = %q", putter.in.ServerSideEncryption)
	}
	if aws.ToString(putter.in.SSEKMSKeyId) != "arn:aws:kms:us-east-1:1:key/abc" {
		t.Errorf("SSEKMSKeyId = %q", aws.ToString(putter.in.SSEKMSKeyId))
	}
}

func TestGenerateAndStore_EmptyPrompt(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestService(t, up, &stubPutter{}, nil)
	for _, p := range []string{"", "   ", "\n\t"} {
		if _, err := s.GenerateAndStore(context.Background(), p); !errors.Is(err, ErrEmptyPrompt) {
			t.Errorf("prompt %q: err = %v, want ErrEmptyPrompt", p, err)
		}
	}
}

func TestGenerateAndStore_NotConfigured(t *testing.T) {
	up := newFakeUpstream(t)
	tests := map[string]func(*Options){
		"no key":    func(o *Options) { o.APIKey = secrets.Static("") },
		"nil key":   func(o *Options) { o.APIKey = nil },
		"no bucket": func(o *Options) { o.Bucket = "" },
		"no putter": func(o *Options) { o.Putter = nil },
	}
	for name, mod := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestService(t, up, &stubPutter{}, mod)
			if s.Configured() {
				t.Fatal("Configured = true")
			}
			if _, err := s.GenerateAndStore(context.Background(), "cat"); !errors.Is(err, ErrNotConfigured) {
				t.Fatalf("err = %v, want ErrNotConfigured", err)
			}
		})
	}
}

func TestGenerateAndStore_UpstreamError(t *testing.T) {
	up := newFakeUpstream(t)
	up.genStatus = http.StatusBadRequest
	up.genBody = `{"error":{"message":"Your request was rejected by the safety system.","type":"invalid_request_error"}}`
	m := &spyMetrics{}
	s := newTestService(t, up, &stubPutter{}, func(o *Options) { o.Metrics = m })

	_, err := s.GenerateAndStore(context.Background(), "cat")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusBadRequest || ue.Type != "invalid_request_error" || !strings.Contains(ue.Message, "safety system") {
		t.Fatalf("upstream error = %+v", ue)
	}
	if len(m.results) != 1 || m.results[0] != "upstream_error" {
		t.Errorf("metrics results = %v", m.results)
	}
}

func TestGenerateAndStore_NoImage(t *testing.T) {
	for _, body := range []string{`{"data":[]}`, `{"data":[{"b64_json":"..."}]}`, `not json`} {
		up := newFakeUpstream(t)
		up.genBody = body
		s := newTestService(t, up, &stubPutter{}, nil)
		if _, err := s.GenerateAndStore(context.Background(), "cat"); !errors.Is(err, ErrNoImage) {
			t.Errorf("body %s: err = %v, want ErrNoImage", body, err)
		}
	}
}

func TestGenerateAndStore_ImageTooLarge(t *testing.T) {
	up := newFakeUpstream(t)
	up.image = make([]byte, 2048)
	putter := &stubPutter{}
	s := newTestService(t, up, putter, func(o *Options) { o.MaxImageBytes = 1024 })

	if _, err := s.GenerateAndStore(context.Background(), "cat"); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("err = %v, want ErrImageTooLarge", err)
	}
	if putter.in != nil {
		t.Fatal("oversized image was stored")
	}
}

func TestGenerateAndStore_StorageError(t *testing.T) {
	up := newFakeUpstream(t)
	m := &spyMetrics{}
	s := newTestService(t, up, &stubPutter{err: errors.New("AccessDenied")}, func(o *Options) { o.Metrics = m })

	_, err := s.GenerateAndStore(context.Background(), "cat")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
	if se.Bucket != "images-bucket" || !strings.HasPrefix(se.Key, "generated/cat_") {
		t.Fatalf("storage error = %+v", se)
	}
	if len(m.results) != 1 || m.results[0] != "storage_error" {
		t.Errorf("metrics results = %v", m.results)
	}
}

func TestGenerateAndStore_ThrottleHonorsContext(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestService(t, up, &stubPutter{}, func(o *Options) {
		o.RPS = 0.001
		o.Burst = 1
	})
	if _, err := s.GenerateAndStore(context.Background(), "first"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.GenerateAndStore(ctx, "second"); err == nil {
		t.Fatal("second call should fail waiting on the throttle")
	}
}

func TestNew_RejectsDotSegmentPrefix(t *testing.T) {
	if _, err := New(Options{Prefix: "images/../secrets"}); err == nil {
		t.Fatal("expected error for dot segment prefix")
	}
}

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 3, 1, 7, 8, 9, 0, time.FixedZone("EST", -5*3600))
	tests := []struct {
		prompt string
		want   string
	}{
		{"a red fox in the snow", "a_red_fox__20260301_120809_0123456789abcdef.png"},
		{"cat", "cat_20260301_120809_0123456789abcdef.png"},
		{"../../etc/passwd", "etc_20260301_120809_0123456789abcdef.png"},
		{"über café", "über_café_20260301_120809_0123456789abcdef.png"},
	}
	for _, tt := range tests {
		if got := objectName(tt.prompt, at, "0123456789abcdef"); got != tt.want {
			t.Errorf("objectName(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrEmptyPrompt, "rejected"},
		{ErrNotConfigured, "rejected"},
		{&UpstreamError{Status: 500}, "upstream_error"},
		{ErrNoImage, "upstream_error"},
		{&StorageError{Err: errors.New("x")}, "storage_error"},
		{context.DeadlineExceeded, "error"},
	}
	for _, tt := range tests {
		if got := resultLabel(tt.err); got != tt.want {
			t.Errorf("resultLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
