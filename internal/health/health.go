// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jtully/shield-core/internal/resilience"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	dialTimeout       = 2 * time.Second
)

// Handler provides /health and /ready endpoints.
type Handler struct {
	upstreamURL string
	pipeline    *resilience.Pipeline
	logger      *slog.Logger

	// Cached readiness result to avoid TCP-dialling the upstream on every
	// /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. pipeline may be nil, in which case
// readiness relies on the TCP dial alone.
func New(upstreamURL string, pipeline *resilience.Pipeline, logger *slog.Logger) *Handler {
	return &Handler{upstreamURL: upstreamURL, pipeline: pipeline, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	upstreamStatus, ok := h.checkUpstream(r.Context())

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ok {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"upstream": upstreamStatus,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

// checkUpstream reports the upstream's reachability. Circuit state is the
// fast path: an open circuit means not ready without spending a dial, and a
// half-open circuit counts as ready because a probe is already underway.
func (h *Handler) checkUpstream(ctx context.Context) (string, bool) {
	if h.pipeline != nil {
		switch h.pipeline.State() {
		case resilience.StateOpen:
			return "circuit-open", false
		case resilience.StateHalfOpen:
			return "circuit-half-open", true
		}
		// StateClosed: fall through to the TCP dial for a definitive check.
	}

	u, err := url.Parse(h.upstreamURL)
	if err != nil {
		return "invalid URL", false
	}

	host := u.Host
	if !hasPort(host) {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	cancel()

	if err != nil {
		h.logger.Warn("upstream unreachable", "upstream", h.upstreamURL, "error", err)
		return "unreachable", false
	}
	conn.Close()
	return "ok", true
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
