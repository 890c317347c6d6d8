// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package main runs the wireline server with metrics, health checks, and
// optional TLS and rate limiting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edgewire/wireline"
	"github.com/edgewire/wireline/examples/echo"
	"github.com/edgewire/wireline/pkg/health"
	"github.com/edgewire/wireline/pkg/metrics"
	"github.com/edgewire/wireline/pkg/ratelimit"
	"github.com/edgewire/wireline/pkg/server/tcp"
)

const (
	plainPrefix = "WIRELINE_HTTP_"
	tlsPrefix   = "WIRELINE_HTTPS_"
)

// appConfig holds process-wide settings.
type appConfig struct {
	MetricsPort   int    `env:"METRICS_PORT"   envDefault:"9090"`
	HealthPort    int    `env:"HEALTH_PORT"    envDefault:"8081"`
	LogLevel      string `env:"LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT"     envDefault:"json"`
	MaxGoroutines int    `env:"MAX_GOROUTINES" envDefault:"50000"`
}

func main() {
	// .env file is optional
	_ = godotenv.Load()

	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wireline")

	m := metrics.New("wireline", nil)
	go startMetricsServer(cfg.MetricsPort, logger)

	checker := health.NewChecker()
	checker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	go startHealthServer(cfg.HealthPort, checker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	started := 0
	for _, prefix := range []string{plainPrefix, tlsPrefix} {
		if err := startServer(g, ctx, prefix, m, logger); err != nil {
			logger.Warn("listener not started",
				slog.String("prefix", prefix),
				slog.String("error", err.Error()))
			continue
		}
		started++
	}
	if started == 0 {
		logger.Error("no listeners configured, set " + plainPrefix + "PORT or " + tlsPrefix + "PORT")
		os.Exit(1)
	}

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("wireline terminated with error: %s", err))
	} else {
		logger.Info("wireline stopped")
	}
}

// startServer builds a TCP server from the environment under the given
// prefix and registers it with the group.
func startServer(g *errgroup.Group, ctx context.Context, prefix string, m *metrics.Metrics, logger *slog.Logger) error {
	cfg, err := wireline.NewConfig(env.Options{Prefix: prefix})
	if err != nil {
		return err
	}

	// Skip if port is not configured
	if cfg.Port == "" {
		return fmt.Errorf("port not configured")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitMaxHosts)
	}

	srv := tcp.New(tcp.Config{
		Address:           cfg.Address(),
		TLSConfig:         cfg.TLSConfig,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		ReadBufferSize:    cfg.ReadBufferSize,
		MaxIncompleteSize: cfg.MaxIncompleteSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		ServerHeader:      cfg.ServerHeader,
		RateLimit:         limiter,
		Metrics:           m,
		Logger:            logger,
	}, echo.New(logger))

	g.Go(func() error {
		defer func() {
			if limiter != nil {
				limiter.Close()
			}
		}()
		return srv.Listen(ctx)
	})

	logger.Info("listener started",
		slog.String("prefix", prefix),
		slog.String("address", cfg.Address()))
	return nil
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
