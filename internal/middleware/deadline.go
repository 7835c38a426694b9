package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/jtully/shield-core/internal/apierror"
)

// Deadline returns middleware that bounds the whole request, retry sequence
// included. The per-attempt timeout inside the pipeline caps a single upstream
// call; this deadline caps the sum of attempts plus backoff sleeps, so a
// client is never held longer than the configured ceiling even when every
// attempt runs to its own limit. Pass 0 to disable.
//
// When the deadline fires before the handler finishes, a 504 is written,
// unless the handler already started streaming a response, in which case the
// connection is left to run out on its own.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			cw := &claimedWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(cw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if cw.claim() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout,
						apierror.RequestCancelled, "request cancelled")
				}
				// The handler goroutine sees ctx cancelled and unwinds; wait
				// for it so nothing writes to w after ServeHTTP returns.
				<-done
			}
		})
	}
}

// claimedWriter tracks whether any response bytes or headers went out, so the
// deadline path never appends a 504 to a partially written reply.
type claimedWriter struct {
	http.ResponseWriter
	wrote bool
}

func (cw *claimedWriter) claim() bool {
	if cw.wrote {
		return false
	}
	cw.wrote = true
	return true
}

func (cw *claimedWriter) WriteHeader(code int) {
	cw.wrote = true
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *claimedWriter) Write(b []byte) (int, error) {
	cw.wrote = true
	return cw.ResponseWriter.Write(b)
}
