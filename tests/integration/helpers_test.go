//go:build integration

// Package integration exercises the full shield stack end to end: the real
// middleware chain, pipeline, and forwarder from main.go wired against an
// in-process flaky upstream. Each test builds its own stack so breaker state
// never leaks between scenarios.
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jtully/shield-core/internal/admin"
	"github.com/jtully/shield-core/internal/auth"
	"github.com/jtully/shield-core/internal/config"
	"github.com/jtully/shield-core/internal/health"
	"github.com/jtully/shield-core/internal/httpapi"
	"github.com/jtully/shield-core/internal/metrics"
	"github.com/jtully/shield-core/internal/middleware"
	"github.com/jtully/shield-core/internal/observe"
	"github.com/jtully/shield-core/internal/ratelimit"
	"github.com/jtully/shield-core/internal/resilience"
	"github.com/jtully/shield-core/internal/upstream"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "shield-admin"
	jwtAud    = "shield"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func TestMain(m *testing.M) {
	// Collectors register against the default registry; once per process.
	metrics.Init()
	m.Run()
}

// flakyUpstream is an in-process stand-in for an unreliable backend. The
// knobs are safe to flip mid-test while requests are in flight.
type flakyUpstream struct {
	srv *httptest.Server

	calls       atomic.Int64
	failFirst   atomic.Int64 // fail requests 1..N with 503
	forceStatus atomic.Int64 // non-zero forces this status on every request
	delayNanos  atomic.Int64 // artificial latency before answering
}

func newFlakyUpstream(t *testing.T) *flakyUpstream {
	t.Helper()
	up := &flakyUpstream{}
	up.srv = httptest.NewServer(http.HandlerFunc(up.handle))
	t.Cleanup(up.srv.Close)
	return up
}

func (u *flakyUpstream) URL() string { return u.srv.URL }

func (u *flakyUpstream) count() int64 { return u.calls.Load() }

func (u *flakyUpstream) delay(d time.Duration) { u.delayNanos.Store(int64(d)) }

// heal clears all failure injection so subsequent requests succeed.
func (u *flakyUpstream) heal() {
	u.failFirst.Store(0)
	u.forceStatus.Store(0)
	u.delayNanos.Store(0)
}

func (u *flakyUpstream) handle(w http.ResponseWriter, r *http.Request) {
	n := u.calls.Add(1)

	if d := u.delayNanos.Load(); d > 0 {
		select {
		case <-time.After(time.Duration(d)):
		case <-r.Context().Done():
			return // caller abandoned the attempt
		}
	}

	if code := u.forceStatus.Load(); code != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(code))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"requested_code": code,
			"message":        http.StatusText(int(code)),
		})
		return
	}

	if n <= u.failFirst.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "injected failure",
			"request": n,
		})
		return
	}

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "flaky",
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
		"body":    string(body),
		"request": n,
	})
}

// testConfig returns a fully populated config pointed at the given upstream.
// Tests tighten individual knobs before calling newShield. BackoffBase is
// tiny so retry sequences finish in microseconds.
func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            0,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Upstream: config.UpstreamConfig{
			BaseURL: upstreamURL,
			ConnectionPool: config.ConnectionPoolConfig{
				MaxIdleConns:   100,
				MaxIdlePerHost: 32,
				IdleTimeout:    90 * time.Second,
			},
		},
		Pipeline: config.PipelineConfig{
			MaxAttempts:       3,
			BackoffBase:       0.001,
			FailureThreshold:  5,
			BreakDuration:     200 * time.Millisecond,
			PerAttemptTimeout: 2 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 1000,
			BurstSize:         1000,
		},
		Metrics: config.MetricsConfig{Path: "/metrics"},
		Auth: config.AuthConfig{
			Enabled:   true,
			JWTSecret: jwtSecret,
			Issuer:    jwtIssuer,
			Audience:  jwtAud,
			Scopes:    []string{"admin"},
		},
		Admin: config.AdminConfig{
			Enabled:     true,
			IPAllowlist: []string{"127.0.0.1/32"},
		},
	}
}

// staticProvider satisfies admin.ConfigProvider without a file-backed reloader.
type staticProvider struct{ cfg *config.Config }

func (p staticProvider) Current() *config.Config { return p.cfg }

// newShield assembles the same stack main.go builds and serves it from an
// httptest server. The returned URL accepts forwarded traffic plus the
// /health, /ready, /metrics, and /admin endpoints.
func newShield(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	caller := upstream.NewHTTPCaller(cfg.Upstream.BaseURL, upstream.PoolConfig{
		MaxIdleConns:   cfg.Upstream.ConnectionPool.MaxIdleConns,
		MaxIdlePerHost: cfg.Upstream.ConnectionPool.MaxIdlePerHost,
		IdleTimeout:    cfg.Upstream.ConnectionPool.IdleTimeout,
	})

	pipeline, err := resilience.New(resilience.Config{
		MaxAttempts:       cfg.Pipeline.MaxAttempts,
		BackoffBase:       cfg.Pipeline.BackoffBase,
		FailureThreshold:  cfg.Pipeline.FailureThreshold,
		BreakDuration:     cfg.Pipeline.BreakDuration,
		PerAttemptTimeout: cfg.Pipeline.PerAttemptTimeout,
		CloseOnFatalProbe: cfg.Pipeline.CloseOnFatalProbe,
	}, resilience.WithObserver(observe.NewRecorder(logger)))
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}

	forwarder := httpapi.NewForwarder(pipeline, caller, cfg.Upstream, logger)

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	t.Cleanup(limiter.Stop)

	var handler http.Handler = forwarder
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, func(string) slog.Level { return slog.LevelInfo }, nil)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	mux := http.NewServeMux()
	health.New(cfg.Upstream.BaseURL, pipeline, logger).RegisterRoutes(mux)
	mux.Handle(cfg.Metrics.Path, metrics.Handler())

	var adminChain http.Handler
	if cfg.Admin.Enabled {
		admin.New(staticProvider{cfg}, pipeline, limiter, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		adminChain = auth.Middleware(cfg.Auth, logger)(mux)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/ready"):
			mux.ServeHTTP(w, r)
		case cfg.Metrics.IsEnabled() && r.URL.Path == cfg.Metrics.Path:
			mux.ServeHTTP(w, r)
		case adminChain != nil && (r.URL.Path == "/admin" || strings.HasPrefix(r.URL.Path, "/admin/")):
			adminChain.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	srv := httptest.NewServer(combined)
	t.Cleanup(srv.Close)
	return srv
}

func generateJWT(sub, scope string, expiry time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"iss":   jwtIssuer,
		"aud":   jwtAud,
		"exp":   time.Now().Add(expiry).Unix(),
		"scope": scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(fmt.Sprintf("generateJWT: %v", err))
	}
	return s
}

func httpDo(method, url string, body io.Reader, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func httpGet(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo("GET", url, nil, headers)
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("failed to parse error response: %v\nbody: %s", err, string(body))
	}
	code, ok := m["error_code"].(string)
	if !ok {
		t.Fatalf("error_code field missing or not a string in %s", string(body))
	}
	if code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
}

func assertHeader(t *testing.T, resp *http.Response, key, expected string) {
	t.Helper()
	got := resp.Header.Get(key)
	if got != expected {
		t.Errorf("expected header %s=%q, got %q", key, expected, got)
	}
}

func assertHeaderPresent(t *testing.T, resp *http.Response, key string) {
	t.Helper()
	if resp.Header.Get(key) == "" {
		t.Errorf("expected header %s to be present", key)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}
