// Package upstream defines the call contract the resilience pipeline wraps:
// one Invoke operation plus a typed failure that policies can classify
// structurally. The pipeline core never sees HTTP; it sees this boundary.
package upstream

import (
	"context"
	"fmt"
	"net/http"
)

// Request is one forwarded call. Path is relative to the caller's base URL
// and may carry a raw query string.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is a completed upstream reply, fully buffered.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Caller performs one upstream invocation. Implementations must honor ctx so
// the pipeline can bound and abandon attempts; connection pooling is theirs.
type Caller interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// Error is a typed upstream failure. Status is zero when the call never
// completed (transport failure); for status failures Resp carries the full
// reply so the endpoint layer can pass a definitive upstream answer through.
type Error struct {
	Status int
	Op     string
	Err    error
	Resp   *Response
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying can plausibly succeed. Transport
// failures, 5xx and 429 are retriable; any other 4xx is the request's own
// fault and retrying cannot fix it.
func (e *Error) Temporary() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}
