// Package apierror provides a centralized error response format for the
// shield service. All components use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Shield error codes. These form a public API contract and clients can
// program against these stable codes. Do not rename or remove existing codes.
const (
	NotFound              ErrorCode = "SHIELD_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "SHIELD_METHOD_NOT_ALLOWED"
	CircuitOpen           ErrorCode = "SHIELD_CIRCUIT_OPEN"
	RetriesExhausted      ErrorCode = "SHIELD_RETRIES_EXHAUSTED"
	UpstreamTimeout       ErrorCode = "SHIELD_UPSTREAM_TIMEOUT"
	UpstreamUnavailable   ErrorCode = "SHIELD_UPSTREAM_UNAVAILABLE"
	RequestCancelled      ErrorCode = "SHIELD_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "SHIELD_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "SHIELD_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "SHIELD_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "SHIELD_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "SHIELD_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "SHIELD_BODY_TOO_LARGE"
)

// ErrorResponse is the standardized shield error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preCircuitOpen       = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preRetriesExhausted  = mustMarshal(http.StatusServiceUnavailable, RetriesExhausted, "upstream failed after retries")
	preUpstreamTimeout   = mustMarshal(http.StatusGatewayTimeout, UpstreamTimeout, "upstream timed out")
	preRequestCancelled  = mustMarshal(http.StatusGatewayTimeout, RequestCancelled, "request cancelled")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == RetriesExhausted && status == http.StatusServiceUnavailable && message == "upstream failed after retries":
		return preRetriesExhausted
	case code == UpstreamTimeout && status == http.StatusGatewayTimeout && message == "upstream timed out":
		return preUpstreamTimeout
	case code == RequestCancelled && status == http.StatusGatewayTimeout && message == "request cancelled":
		return preRequestCancelled
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
