// Package httpapi implements the public forward handler. Every inbound
// request becomes one pipeline execution against the upstream; the handler
// owns the mapping from pipeline outcomes to HTTP responses, so the
// resilience core never decides transport semantics.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jtully/shield-core/internal/apierror"
	"github.com/jtully/shield-core/internal/config"
	"github.com/jtully/shield-core/internal/metrics"
	"github.com/jtully/shield-core/internal/middleware"
	"github.com/jtully/shield-core/internal/resilience"
	"github.com/jtully/shield-core/internal/upstream"
)

// hopHeaders are connection-scoped and must not be forwarded in either
// direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Forwarder is the http.Handler for the public surface. It buffers the
// request, runs it through the resilience pipeline, and translates the
// outcome back to the client.
type Forwarder struct {
	pipeline       *resilience.Pipeline
	caller         upstream.Caller
	fallbackStatus int
	fallbackBody   []byte
	logger         *slog.Logger
}

// NewForwarder builds the forward handler. When cfg carries a fallback
// status, circuit-open rejections serve it instead of a 503 error body.
func NewForwarder(pipeline *resilience.Pipeline, caller upstream.Caller, cfg config.UpstreamConfig, logger *slog.Logger) *Forwarder {
	f := &Forwarder{
		pipeline:       pipeline,
		caller:         caller,
		fallbackStatus: cfg.FallbackStatus,
		logger:         logger,
	}
	if cfg.FallbackBody != "" {
		f.fallbackBody = append([]byte(cfg.FallbackBody), '\n')
	}
	return f
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				middleware.WriteBodyLimitError(w, r)
				f.finish(r, http.StatusRequestEntityTooLarge, start)
				return
			}
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InternalError, "failed to read request body")
			f.finish(r, http.StatusBadRequest, start)
			return
		}
		body = b
	}

	req := buildRequest(r, body)

	result, err := f.pipeline.Execute(r.Context(), func(ctx context.Context) (any, error) {
		return f.caller.Invoke(ctx, req)
	})

	kind := resilience.Kind(err)
	status := f.writeResult(w, r, result, err, kind, start)

	metrics.ExecutionsTotal.WithLabelValues(kind).Inc()
	f.finish(r, status, start)
}

func (f *Forwarder) finish(r *http.Request, status int, start time.Time) {
	metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
}

// buildRequest converts the inbound request into the upstream call contract:
// hop-by-hop headers stripped, forwarding headers appended, body already
// buffered so every retry attempt replays identical bytes.
func buildRequest(r *http.Request, body []byte) *upstream.Request {
	header := make(http.Header, len(r.Header))
	for k, vals := range r.Header {
		if hopHeaders[k] {
			continue
		}
		header[k] = append([]string(nil), vals...)
	}

	if ip := peerIP(r.RemoteAddr); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		header.Set("X-Forwarded-Proto", "https")
	} else {
		header.Set("X-Forwarded-Proto", "http")
	}

	return &upstream.Request{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Header: header,
		Body:   body,
	}
}

// writeResult translates one pipeline outcome to the wire and returns the
// status written, for metrics.
func (f *Forwarder) writeResult(w http.ResponseWriter, r *http.Request, result any, err error, kind string, start time.Time) int {
	switch kind {
	case "none":
		return writeUpstream(w, result.(*upstream.Response), start)

	case "circuit_open":
		metrics.BreakerRejections.Inc()
		if f.fallbackStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Shield-Fallback", "circuit-open")
			w.WriteHeader(f.fallbackStatus)
			w.Write(f.fallbackBody) //nolint:errcheck
			return f.fallbackStatus
		}
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
		return http.StatusServiceUnavailable

	case "exhausted":
		var te *resilience.TimeoutError
		if errors.As(err, &te) {
			apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "upstream timed out")
			return http.StatusGatewayTimeout
		}
		f.logger.Warn("upstream failed after retries",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.RetriesExhausted, "upstream failed after retries")
		return http.StatusServiceUnavailable

	case "timeout":
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "upstream timed out")
		return http.StatusGatewayTimeout

	case "canceled":
		if errors.Is(err, context.DeadlineExceeded) {
			// The server-side deadline fired; the client is still listening.
			apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
			return http.StatusGatewayTimeout
		}
		// Client went away; there is no one to answer. 499 is recorded for
		// metrics in the nginx tradition.
		f.logger.Info("client disconnected mid-request", "method", r.Method, "path", r.URL.Path)
		return 499

	case "fatal":
		var ue *upstream.Error
		if errors.As(err, &ue) && ue.Resp != nil {
			// The upstream gave a definitive answer (a real 4xx). Masking it
			// would hide the caller's own mistake, so it passes through.
			return writeUpstream(w, ue.Resp, start)
		}
		f.logger.Error("unretryable upstream failure", "method", r.Method, "path", r.URL.Path, "error", err)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream unavailable")
		return http.StatusBadGateway

	default:
		// Transient errors terminate inside the pipeline as exhausted; seeing
		// one here means a custom classifier misbehaved. Fail safe.
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream unavailable")
		return http.StatusBadGateway
	}
}

// writeUpstream relays a buffered upstream response. Content-Length is
// dropped so the server recomputes it from the buffered body.
func writeUpstream(w http.ResponseWriter, resp *upstream.Response, start time.Time) int {
	h := w.Header()
	for k, vals := range resp.Header {
		if hopHeaders[k] || k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("X-Shield-Latency", time.Since(start).String())
	w.WriteHeader(resp.Status)
	w.Write(resp.Body) //nolint:errcheck
	return resp.Status
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
