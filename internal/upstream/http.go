package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// PoolConfig tunes the transport connection pool shared by all attempts.
type PoolConfig struct {
	MaxIdleConns   int
	MaxIdlePerHost int
	IdleTimeout    time.Duration
}

// HTTPCaller invokes an HTTP upstream through a shared resty client. The
// pipeline owns retries and deadlines, so the client's own retry machinery
// stays off and every request carries the attempt context. Redirects are not
// followed: a 3xx is a usable upstream answer and flows back to the client.
type HTTPCaller struct {
	client *resty.Client
}

// NewHTTPCaller builds a caller for the given base URL.
func NewHTTPCaller(baseURL string, pool PoolConfig) *HTTPCaller {
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdlePerHost,
		IdleConnTimeout:     pool.IdleTimeout,
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTransport(transport).
		SetHeader("User-Agent", "shield/1.0").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	return &HTTPCaller{client: client}
}

// Invoke performs one request. Statuses below 400 come back as a Response;
// 4xx/5xx and transport failures come back as *Error so the classifier can
// read retryability off the type.
func (c *HTTPCaller) Invoke(ctx context.Context, req *Request) (*Response, error) {
	r := c.client.R().SetContext(ctx)
	if len(req.Header) > 0 {
		r.SetHeaderMultiValues(req.Header)
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		return nil, &Error{Op: req.Method + " " + req.Path, Err: err}
	}

	out := &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
	}
	if out.Status >= http.StatusBadRequest {
		return nil, &Error{Status: out.Status, Op: req.Method + " " + req.Path, Resp: out}
	}
	return out, nil
}
