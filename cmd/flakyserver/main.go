// Package main provides a deliberately unreliable upstream for exercising
// retry and circuit-breaker behavior end to end. Failure injection is
// controlled by flags: fail the first N requests, fail a random fraction of
// all requests, or delay every response past the per-attempt timeout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failFirst := flag.Int64("fail-first", 0, "fail the first N requests with 503, then recover")
	failRate := flag.Float64("fail-rate", 0, "probability [0,1) that any request fails with 503")
	delay := flag.Duration("delay", 0, "artificial latency added to every response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	var served atomic.Int64

	// /__status/{code} returns an arbitrary HTTP status code regardless of
	// the failure knobs. Example: GET /__status/404 → 404 Not Found
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__reset restarts the fail-first countdown mid-scenario.
	http.HandleFunc("/__reset", func(w http.ResponseWriter, r *http.Request) {
		served.Store(0)
		w.WriteHeader(http.StatusNoContent)
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := served.Add(1)

		if *delay > 0 {
			time.Sleep(*delay)
		}

		if n <= *failFirst || (*failRate > 0 && rand.Float64() < *failRate) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"error":   "injected failure",
				"request": n,
			})
			return
		}

		body, _ := io.ReadAll(r.Body)

		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"body":        string(body),
			"request":     n,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-first=%d fail-rate=%.2f delay=%s)", *name, addr, *failFirst, *failRate, *delay)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
