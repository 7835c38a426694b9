// Package admin provides admin API endpoints for runtime inspection and
// control of the resilience pipeline. All endpoints are protected by IP
// allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jtully/shield-core/internal/config"
	"github.com/jtully/shield-core/internal/ratelimit"
	"github.com/jtully/shield-core/internal/resilience"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	pipeline    *resilience.Pipeline
	limiter     *ratelimit.Limiter
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	pipeline *resilience.Pipeline,
	limiter *ratelimit.Limiter,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		pipeline:    pipeline,
		limiter:     limiter,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/pipeline", h.guard(http.MethodGet, h.pipelineHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/limiters", h.guard(http.MethodGet, h.limitersHandler))
	mux.HandleFunc("/admin/breaker/reset", h.guard(http.MethodPost, h.resetHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// pipelineStatus is the response type for /admin/pipeline.
type pipelineStatus struct {
	State               string            `json:"state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	ProbeInFlight       bool              `json:"probe_in_flight"`
	BreakUntil          *time.Time        `json:"break_until,omitempty"`
	Config              resilience.Config `json:"config"`
}

func (h *Handler) pipelineHandler(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.Snapshot()

	status := pipelineStatus{
		State:               snap.State.String(),
		ConsecutiveFailures: snap.Failures,
		ProbeInFlight:       snap.TrialInFlight,
		Config:              h.pipeline.Config(),
	}
	if !snap.BreakUntil.IsZero() && snap.State == resilience.StateOpen {
		until := snap.BreakUntil
		status.BreakUntil = &until
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Deep copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

// resetHandler forces the circuit closed. It answers with the post-reset
// snapshot so callers can confirm the transition took.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	before := h.pipeline.State()
	h.pipeline.Reset()
	h.logger.Warn("circuit breaker reset via admin API",
		"previous_state", before.String(),
		"client_ip", extractIP(r.RemoteAddr),
	)

	writeJSON(w, http.StatusOK, map[string]string{
		"previous_state": before.String(),
		"state":          h.pipeline.State().String(),
	})
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
