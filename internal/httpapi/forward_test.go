package httpapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jtully/shield-core/internal/config"
	"github.com/jtully/shield-core/internal/resilience"
	"github.com/jtully/shield-core/internal/upstream"
)

// fakeCaller scripts upstream outcomes per invocation count.
type fakeCaller struct {
	mu      sync.Mutex
	invokes int
	lastReq *upstream.Request
	fn      func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error)
}

func (c *fakeCaller) Invoke(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	c.mu.Lock()
	c.invokes++
	n := c.invokes
	c.lastReq = req
	c.mu.Unlock()
	return c.fn(ctx, n, req)
}

func (c *fakeCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invokes
}

func (c *fakeCaller) last() *upstream.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq
}

func newForwarder(t *testing.T, caller upstream.Caller, cfg resilience.Config, upCfg config.UpstreamConfig) *Forwarder {
	t.Helper()
	pipeline, err := resilience.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return NewForwarder(pipeline, caller, upCfg, slog.Default())
}

func okResponse(body string) *upstream.Response {
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}
}

func transportError() error {
	return &upstream.Error{Op: "GET /", Err: errors.New("connection refused")}
}

func TestForwarder_SuccessPassthrough(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		resp := okResponse(`{"ok":true}`)
		resp.Header.Set("X-Upstream", "yes")
		return resp, nil
	}}
	f := newForwarder(t, caller, resilience.Config{}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/widgets/1", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("body = %q, want upstream payload", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream header to pass through")
	}
	if rec.Header().Get("X-Shield-Latency") == "" {
		t.Error("expected X-Shield-Latency header")
	}
	if caller.count() != 1 {
		t.Errorf("invokes = %d, want 1", caller.count())
	}
}

func TestForwarder_RetriesThenSucceeds(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		if n < 3 {
			return nil, transportError()
		}
		return okResponse(`{"ok":true}`), nil
	}}
	f := newForwarder(t, caller, resilience.Config{
		MaxAttempts: 3,
		BackoffBase: 0.001,
	}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/widgets", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if caller.count() != 3 {
		t.Errorf("invokes = %d, want 3", caller.count())
	}
}

func TestForwarder_RetriesExhausted(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		return nil, transportError()
	}}
	f := newForwarder(t, caller, resilience.Config{
		MaxAttempts:      2,
		BackoffBase:      0.001,
		FailureThreshold: 10,
	}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/widgets", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_RETRIES_EXHAUSTED") {
		t.Errorf("body = %q, want retries exhausted code", rec.Body.String())
	}
	if caller.count() != 2 {
		t.Errorf("invokes = %d, want 2", caller.count())
	}
}

func TestForwarder_TimeoutMapsTo504(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newForwarder(t, caller, resilience.Config{
		MaxAttempts:       1,
		FailureThreshold:  10,
		PerAttemptTimeout: 20 * time.Millisecond,
	}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/slow", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SHIELD_UPSTREAM_TIMEOUT") {
		t.Errorf("body = %q, want upstream timeout code", rec.Body.String())
	}
}

func TestForwarder_CircuitOpenFastFail(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		return nil, transportError()
	}}
	f := newForwarder(t, caller, resilience.Config{
		MaxAttempts:      1,
		FailureThreshold: 1,
		BreakDuration:    time.Minute,
	}, config.UpstreamConfig{})

	// First request trips the breaker.
	rec1 := httptest.NewRecorder()
	f.ServeHTTP(rec1, httptest.NewRequest("GET", "/widgets", nil))
	if rec1.Code != http.StatusServiceUnavailable {
		t.Fatalf("trip request: status = %d, want 503", rec1.Code)
	}

	// Second request must fast-fail without reaching the caller.
	rec2 := httptest.NewRecorder()
	f.ServeHTTP(rec2, httptest.NewRequest("GET", "/widgets", nil))

	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec2.Code)
	}
	if !strings.Contains(rec2.Body.String(), "SHIELD_CIRCUIT_OPEN") {
		t.Errorf("body = %q, want circuit open code", rec2.Body.String())
	}
	if caller.count() != 1 {
		t.Errorf("invokes = %d, want 1 (rejection must not reach upstream)", caller.count())
	}
}

func TestForwarder_CircuitOpenServesFallback(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		return nil, transportError()
	}}
	f := newForwarder(t, caller, resilience.Config{
		MaxAttempts:      1,
		FailureThreshold: 1,
		BreakDuration:    time.Minute,
	}, config.UpstreamConfig{
		FallbackStatus: http.StatusOK,
		FallbackBody:   `{"source":"cache","items":[]}`,
	})

	rec1 := httptest.NewRecorder()
	f.ServeHTTP(rec1, httptest.NewRequest("GET", "/widgets", nil))

	rec2 := httptest.NewRecorder()
	f.ServeHTTP(rec2, httptest.NewRequest("GET", "/widgets", nil))

	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want fallback 200", rec2.Code)
	}
	if !strings.Contains(rec2.Body.String(), `"source":"cache"`) {
		t.Errorf("body = %q, want fallback payload", rec2.Body.String())
	}
	if rec2.Header().Get("X-Shield-Fallback") != "circuit-open" {
		t.Error("expected X-Shield-Fallback header on fallback response")
	}
}

func TestForwarder_FatalStatusPassesThrough(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		resp := &upstream.Response{
			Status: http.StatusNotFound,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"error":"no such widget"}`),
		}
		return nil, &upstream.Error{Status: resp.Status, Op: "GET /widgets/404", Resp: resp}
	}}
	f := newForwarder(t, caller, resilience.Config{MaxAttempts: 3, BackoffBase: 0.001}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/widgets/404", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want upstream 404 passed through", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no such widget") {
		t.Errorf("body = %q, want upstream error body", rec.Body.String())
	}
	if caller.count() != 1 {
		t.Errorf("invokes = %d, want 1 (fatal outcomes are never retried)", caller.count())
	}
}

func TestForwarder_HopHeadersStripped(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		return okResponse(`{}`), nil
	}}
	f := newForwarder(t, caller, resilience.Config{}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/widgets", nil)
	req.RemoteAddr = "192.168.1.50:54321"
	req.Host = "shield.example.com"
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Te", "trailers")
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	sent := caller.last()
	if sent == nil {
		t.Fatal("caller never invoked")
	}
	if sent.Header.Get("Connection") != "" || sent.Header.Get("Te") != "" {
		t.Error("expected hop-by-hop headers to be stripped")
	}
	if sent.Header.Get("X-Custom") != "kept" {
		t.Error("expected end-to-end headers to be forwarded")
	}
	if sent.Header.Get("X-Forwarded-For") != "192.168.1.50" {
		t.Errorf("X-Forwarded-For = %q, want client IP", sent.Header.Get("X-Forwarded-For"))
	}
	if sent.Header.Get("X-Forwarded-Host") != "shield.example.com" {
		t.Errorf("X-Forwarded-Host = %q, want original host", sent.Header.Get("X-Forwarded-Host"))
	}
	if sent.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", sent.Header.Get("X-Forwarded-Proto"))
	}
}

func TestForwarder_BodyReplayedOnRetry(t *testing.T) {
	payload := []byte(`{"name":"widget-9"}`)
	var bodies [][]byte
	var mu sync.Mutex

	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		mu.Lock()
		bodies = append(bodies, req.Body)
		mu.Unlock()
		if n == 1 {
			return nil, transportError()
		}
		return okResponse(`{"created":true}`), nil
	}}
	f := newForwarder(t, caller, resilience.Config{MaxAttempts: 2, BackoffBase: 0.001}, config.UpstreamConfig{})

	req := httptest.NewRequest("POST", "/widgets", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(bodies) != 2 {
		t.Fatalf("attempts = %d, want 2", len(bodies))
	}
	for i, b := range bodies {
		if !bytes.Equal(b, payload) {
			t.Errorf("attempt %d body = %q, want identical payload", i+1, b)
		}
	}
}

func TestForwarder_QueryStringForwarded(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, n int, req *upstream.Request) (*upstream.Response, error) {
		return okResponse(`{}`), nil
	}}
	f := newForwarder(t, caller, resilience.Config{}, config.UpstreamConfig{})

	req := httptest.NewRequest("GET", "/search?q=widget&limit=5", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	sent := caller.last()
	if sent == nil {
		t.Fatal("caller never invoked")
	}
	if sent.Path != "/search?q=widget&limit=5" {
		t.Errorf("path = %q, want query string preserved", sent.Path)
	}
}
