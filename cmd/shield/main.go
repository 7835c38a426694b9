// Package main is the entry point for the shield service. It loads
// configuration, builds the resilience pipeline around the configured
// upstream, assembles the middleware stack, starts the HTTP server, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jtully/shield-core/internal/admin"
	"github.com/jtully/shield-core/internal/auth"
	"github.com/jtully/shield-core/internal/config"
	"github.com/jtully/shield-core/internal/health"
	"github.com/jtully/shield-core/internal/httpapi"
	"github.com/jtully/shield-core/internal/logging"
	"github.com/jtully/shield-core/internal/metrics"
	"github.com/jtully/shield-core/internal/middleware"
	"github.com/jtully/shield-core/internal/observe"
	"github.com/jtully/shield-core/internal/ratelimit"
	"github.com/jtully/shield-core/internal/resilience"
	"github.com/jtully/shield-core/internal/tlsutil"
	"github.com/jtully/shield-core/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/shield.yaml", "path to configuration file")
	flag.Parse()

	bootLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		bootLog.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"max_attempts", cfg.Pipeline.MaxAttempts,
		"failure_threshold", cfg.Pipeline.FailureThreshold,
		"break_duration", cfg.Pipeline.BreakDuration,
		"per_attempt_timeout", cfg.Pipeline.PerAttemptTimeout,
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Build the upstream caller and the resilience pipeline around it.
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
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	forwarder := httpapi.NewForwarder(pipeline, caller, cfg.Upstream, logger)

	// Build the rate limiter
	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Probe endpoints answer on every poll; keep them out of the request log.
	quietPaths := map[string]slog.Level{
		"/health":        middleware.LogLevelNone,
		"/ready":         middleware.LogLevelNone,
		cfg.Metrics.Path: middleware.LogLevelNone,
	}
	pathLogLevel := func(path string) slog.Level {
		if lvl, ok := quietPaths[path]; ok {
			return lvl
		}
		return slog.LevelInfo
	}

	var bodyCfg *middleware.LoggingConfig
	if cfg.Logging.BodyLogging {
		bodyCfg = &middleware.LoggingConfig{
			BodyLogging:     true,
			MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
		}
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → RateLimit → Deadline → Forwarder
	var handler http.Handler = forwarder
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, pathLogLevel, bodyCfg)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints live on their own mux and bypass
	// the forward chain.
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Upstream.BaseURL, pipeline, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// Register reload callbacks for components that support hot-reload
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	var adminChain http.Handler
	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, pipeline, limiter, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		adminChain = auth.Middleware(cfg.Auth, logger)(mux)
		logger.Info("admin endpoints registered",
			"allowlist", cfg.Admin.IPAllowlist,
			"jwt_guarded", cfg.Auth.Enabled,
		)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/ready"):
			mux.ServeHTTP(w, r)
		case cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath:
			mux.ServeHTTP(w, r)
		case adminChain != nil && (r.URL.Path == "/admin" || strings.HasPrefix(r.URL.Path, "/admin/")):
			adminChain.ServeHTTP(w, r)
		default:
			handler.ServeHTTP(w, r)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		certLoader, err := tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     minTLSVersion(cfg.Server.TLS.MinVersion),
		}
	}

	// Start server in a goroutine
	go func() {
		var serveErr error
		if cfg.Server.TLS.Enabled {
			logger.Info("starting shield (TLS)", "addr", srv.Addr)
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting shield", "addr", srv.Addr)
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server error", "error", serveErr)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("shield stopped gracefully")
}

func minTLSVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
