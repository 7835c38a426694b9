package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	WriteJSON(w, r, http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Service Unavailable" {
		t.Errorf("error = %q, want %q", resp.Error, "Service Unavailable")
	}
	if resp.ErrorCode != "SHIELD_CIRCUIT_OPEN" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "SHIELD_CIRCUIT_OPEN")
	}
	if resp.Message != "circuit breaker open" {
		t.Errorf("message = %q, want %q", resp.Message, "circuit breaker open")
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "test-req-123")

	WriteJSON(w, r, http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "test-req-123")
	}
	if resp.ErrorCode != "SHIELD_AUTH_MISSING_TOKEN" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "SHIELD_AUTH_MISSING_TOKEN")
	}
}

func TestWriteJSON_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// No X-Request-ID header set

	WriteJSON(w, r, http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")

	// The pre-serialized path should not include request_id at all.
	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := raw["request_id"]; exists {
		t.Error("request_id should be omitted when empty")
	}
}

func TestWriteJSON_NilRequest(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, nil, http.StatusInternalServerError, InternalError, "an unexpected error occurred")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != "SHIELD_INTERNAL_ERROR" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "SHIELD_INTERNAL_ERROR")
	}
}

func TestWriteJSON_NonPreserializedPath(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "custom-id")

	// Custom message won't match any pre-serialized body.
	WriteJSON(w, r, http.StatusForbidden, AuthInsufficientScope, "missing required scope: admin")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Forbidden" {
		t.Errorf("error = %q, want %q", resp.Error, "Forbidden")
	}
	if resp.ErrorCode != "SHIELD_AUTH_INSUFFICIENT_SCOPE" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "SHIELD_AUTH_INSUFFICIENT_SCOPE")
	}
	if resp.Message != "missing required scope: admin" {
		t.Errorf("message = %q, want %q", resp.Message, "missing required scope: admin")
	}
	if resp.RequestID != "custom-id" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "custom-id")
	}
}

func TestWriteJSON_RetriesExhaustedPreSerialized(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, nil, http.StatusServiceUnavailable, RetriesExhausted, "upstream failed after retries")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrorCode != "SHIELD_RETRIES_EXHAUSTED" {
		t.Errorf("error_code = %q, want %q", resp.ErrorCode, "SHIELD_RETRIES_EXHAUSTED")
	}
}

func TestAllErrorCodes(t *testing.T) {
	// Verify all error codes have the SHIELD_ prefix.
	codes := []ErrorCode{
		NotFound, MethodNotAllowed, CircuitOpen, RetriesExhausted,
		UpstreamTimeout, UpstreamUnavailable, RequestCancelled,
		AuthMissingToken, AuthInvalidToken, AuthInsufficientScope,
		RateLimitExceeded, InternalError, BodyTooLarge,
	}
	for _, code := range codes {
		if len(code) < 7 || code[:7] != "SHIELD_" {
			t.Errorf("code %q does not have SHIELD_ prefix", code)
		}
	}
	if len(codes) != 13 {
		t.Errorf("expected 13 error codes, got %d", len(codes))
	}
}
