package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elazarl/goproxy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokentap/tokentap/internal/catalog"
	"github.com/tokentap/tokentap/internal/extract"
	"github.com/tokentap/tokentap/internal/flow"
	"github.com/tokentap/tokentap/internal/jsonpath"
	"github.com/tokentap/tokentap/internal/telemetry"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	cat, err := catalog.Load("", nil)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	eng, err := jsonpath.New()
	if err != nil {
		t.Fatalf("jsonpath.New: %v", err)
	}
	x := extract.New(cat, eng)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	c := flow.New(cat, x, nil, m, false)
	return &Server{catalog: cat, correlator: c}
}

// newDirectHandler builds a full proxy server whose upstream round trips are
// answered by a canned response, recording the host each request was
// dispatched to.
func newDirectHandler(t *testing.T, respBody string) (*Server, *string) {
	t.Helper()
	cat, err := catalog.Load("", nil)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	eng, err := jsonpath.New()
	if err != nil {
		t.Fatalf("jsonpath.New: %v", err)
	}
	x := extract.New(cat, eng)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	c := flow.New(cat, x, nil, m, false)

	ca, err := LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	srv, err := New(cat, c, ca, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var gotHost string
	srv.handler.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		gotHost = req.URL.Host
		return req, goproxy.NewResponse(req, "application/json", http.StatusOK, respBody)
	})
	return srv, &gotHost
}

func TestHandlerDirectHealth(t *testing.T) {
	srv, _ := newDirectHandler(t, "{}")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"status":"ok","proxy":true}` {
		t.Errorf("body = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestHandlerDirectUnknownPath(t *testing.T) {
	srv, _ := newDirectHandler(t, "{}")

	req := httptest.NewRequest("GET", "/v1/frobnicate", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Unknown API path") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHandlerDirectRewriteIsIntercepted(t *testing.T) {
	srv, gotHost := newDirectHandler(t,
		`{"model":"claude-sonnet-4","usage":{"input_tokens":5,"output_tokens":2}}`)

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	// The origin-form request must have been rewritten to the canonical
	// upstream and pushed through the interception hooks.
	if *gotHost != "api.anthropic.com" {
		t.Errorf("dispatched host = %q, want api.anthropic.com", *gotHost)
	}
	srv.correlator.Drain()
}

func TestRewriteTarget(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/v1/messages", "api.anthropic.com", true},
		{"/v1/chat/completions", "api.openai.com", true},
		{"/v1/responses", "api.openai.com", true},
		{"/v1beta/models/gemini-2.5-pro:generateContent", "generativelanguage.googleapis.com", true},
		{"/v1beta/models/gemini-2.5-pro:streamGenerateContent", "generativelanguage.googleapis.com", true},
		{"/v1/unknown", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			got, ok := s.rewriteTarget(tt.path)
			if ok != tt.ok || got != tt.want {
				t.Errorf("rewriteTarget(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCaptureRequestBodyRestores(t *testing.T) {
	t.Parallel()

	payload := `{"model":"claude-sonnet-4"}`
	req := httptest.NewRequest("POST", "https://api.anthropic.com/v1/messages", strings.NewReader(payload))

	got := captureRequestBody(req)
	if string(got) != payload {
		t.Errorf("captured = %q", got)
	}
	// The restored body must still carry the full payload downstream.
	restored, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != payload {
		t.Errorf("restored = %q", restored)
	}
	if req.ContentLength != int64(len(payload)) {
		t.Errorf("ContentLength = %d", req.ContentLength)
	}
}

func TestTapReaderAccumulates(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotTruncated bool
	calls := 0
	tap := newTapReader(io.NopCloser(strings.NewReader("hello world")), func(body []byte, truncated bool) {
		calls++
		gotBody = append([]byte(nil), body...)
		gotTruncated = truncated
	})

	out, err := io.ReadAll(tap)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello world" {
		t.Errorf("forwarded = %q", out)
	}
	tap.Close()

	if calls != 1 {
		t.Errorf("completion fired %d times, want 1", calls)
	}
	if string(gotBody) != "hello world" {
		t.Errorf("captured = %q", gotBody)
	}
	if gotTruncated {
		t.Error("truncated = true for a small body")
	}
}

func TestTapReaderTruncatesLargeBodies(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte("x"), maxCapture+1024)
	var gotLen int
	var gotTruncated bool
	tap := newTapReader(io.NopCloser(bytes.NewReader(big)), func(body []byte, truncated bool) {
		gotLen = len(body)
		gotTruncated = truncated
	})

	out, err := io.ReadAll(tap)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(big) {
		t.Errorf("forwarded %d bytes, want %d; truncation must not affect forwarding", len(out), len(big))
	}
	if !gotTruncated {
		t.Error("truncated = false past the capture cap")
	}
	if gotLen != maxCapture {
		t.Errorf("captured %d bytes, want %d", gotLen, maxCapture)
	}
}

func TestTapReaderCloseWithoutEOF(t *testing.T) {
	t.Parallel()

	calls := 0
	tap := newTapReader(io.NopCloser(strings.NewReader("partial data")), func([]byte, bool) {
		calls++
	})
	buf := make([]byte, 4)
	if _, err := tap.Read(buf); err != nil {
		t.Fatal(err)
	}
	tap.Close()
	if calls != 1 {
		t.Errorf("completion fired %d times on early close, want 1", calls)
	}
}

func TestLoadOrCreateCA(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	if first.Leaf == nil || !first.Leaf.IsCA {
		t.Fatal("generated certificate is not a CA")
	}

	// Second call must load the same CA, not generate a fresh one.
	second, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateCA reload: %v", err)
	}
	if !first.Leaf.Equal(second.Leaf) {
		t.Error("reload produced a different certificate")
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()

	if !isLoopback("localhost") || !isLoopback("127.0.0.1") {
		t.Error("loopback hosts not recognized")
	}
	if isLoopback("api.anthropic.com") {
		t.Error("upstream host classified as loopback")
	}
}
