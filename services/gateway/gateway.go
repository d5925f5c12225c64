// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the chat gateway service.
//
// The gateway sits between browser clients and Gemini File Search. It owns
// the HTTP server, the store handle cache, the per-client rate limiter, and
// the tracing and metrics setup. Request handling itself lives in the
// handlers package.
//
//	Browser ──POST /chat──► gin (Recovery, RequestID, AccessLog, otelgin)
//	                           │
//	                           ▼
//	                      ChatHandler ──► storecache ──► Gemini (list/create store)
//	                           │
//	                           └──► relay ──► Gemini streamGenerateContent (SSE)
//
// # Usage
//
//	cfg, err := config.Load("lexgate.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := gateway.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Signals
//
// SIGHUP clears the cached store handle. Use it after deleting or replacing
// the knowledge base store out of band.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/lexgate/services/gateway/config"
	"github.com/AleutianAI/lexgate/services/gateway/handlers"
	"github.com/AleutianAI/lexgate/services/gateway/middleware"
	"github.com/AleutianAI/lexgate/services/gateway/observability"
	"github.com/AleutianAI/lexgate/services/gateway/ratelimit"
	"github.com/AleutianAI/lexgate/services/gateway/relay"
	"github.com/AleutianAI/lexgate/services/gateway/routes"
	"github.com/AleutianAI/lexgate/services/gateway/storecache"
	"github.com/AleutianAI/lexgate/services/gateway/validation"
	"github.com/AleutianAI/lexgate/services/llm"
)

const serviceName = "lexgate-gateway"

// ShutdownTimeout bounds graceful shutdown. In-flight streams still running
// when it expires are cut off.
const ShutdownTimeout = 10 * time.Second

// StdoutTracing selects the pretty-printing stdout span exporter when used
// as Config.OTelEndpoint.
const StdoutTracing = "stdout"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the gateway lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Router may be used
// concurrently, typically from tests via httptest.
type Service interface {
	// Run serves HTTP on the configured port until ctx is cancelled, then
	// shuts down gracefully within ShutdownTimeout.
	Run(ctx context.Context) error

	// Router returns the configured gin engine.
	Router() *gin.Engine
}

// Options carries optional collaborators. A nil *Options uses defaults.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// HTTPClient is used for upstream calls. Default: traced client.
	HTTPClient *http.Client
	// Registry receives the gateway collectors. Default: a new registry
	// with the Go and process collectors.
	Registry *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config   config.Config
	logger   *slog.Logger
	upstream *llm.GeminiClient
	stores   *storecache.Cache
	limiter  *ratelimit.Limiter
	metrics  *observability.GatewayMetrics
	registry *prometheus.Registry
	router   *gin.Engine

	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// New builds the gateway from a validated configuration.
//
// # Description
//
// Wires the upstream client, store cache, validator, limiter, relay, and
// handlers, and installs tracing when an endpoint is configured. A missing
// API key is not an error: the gateway starts and answers chat requests
// with API_KEY_MISSING.
//
// # Outputs
//
//   - Service: Ready to Run
//   - error: Non-nil if the tracer cannot be set up
func New(cfg config.Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &service{config: cfg, logger: opts.Logger, registry: opts.Registry}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.upstream = llm.NewGeminiClient(llm.GeminiConfig{
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: opts.HTTPClient,
	}, cfg.GeminiAPIKey)
	// The enclave holds the key from here on.
	s.config.GeminiAPIKey = ""
	if !s.upstream.Configured() {
		s.logger.Warn("GEMINI_API_KEY is not set; chat requests will fail with API_KEY_MISSING")
	}

	s.metrics = observability.NewGatewayMetrics(s.registry)
	s.stores = storecache.New(s.upstream, storecache.Config{
		Timeout:   cfg.StoreResolveTimeout,
		OnResolve: s.metrics.RecordStoreResolution,
	})
	s.limiter = ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
	})

	s.initRouter()

	s.logger.Info("Gateway initialized",
		"port", cfg.Port,
		"model", s.upstream.Model(),
		"rateLimit", cfg.RateLimitMaxRequests,
		"rateWindow", cfg.RateLimitWindow,
		"tracing", cfg.OTelEndpoint != "",
	)
	return s, nil
}

// Run listens on the configured port and serves until ctx is done.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		s.cleanup()
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	return s.serve(ctx, ln)
}

// Router returns the gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// serve owns ln. It returns nil after a graceful shutdown.
func (s *service) serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Gateway listening", "addr", ln.Addr().String())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			s.stores.Reset()
			s.logger.Info("SIGHUP received; store handle cache cleared")

		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case <-ctx.Done():
			s.logger.Info("Shutting down gateway", "timeout", ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("Graceful shutdown incomplete; closing remaining connections", "error", err)
				_ = srv.Close()
			}
			<-errCh
			return nil
		}
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer installs the global tracer provider.
//
// An empty endpoint leaves the no-op provider in place. StdoutTracing
// prints spans; anything else is an OTLP gRPC collector address.
func (s *service) initTracer() (func(context.Context), error) {
	endpoint := s.config.OTelEndpoint
	if endpoint == "" {
		return nil, nil
	}
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	if endpoint == StdoutTracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	} else {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}
	return cleanup, nil
}

// initRouter builds the gin engine.
//
// gin.Default is not used: its recovery treats http.ErrAbortHandler as a
// broken pipe and swallows it, which would end an aborted stream cleanly.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.AccessLog(s.logger),
		otelgin.Middleware(serviceName),
	)

	chat := handlers.NewChatHandler(handlers.ChatDeps{
		Validator: validation.New(validation.Limits{
			MaxBytes:        s.config.MaxRequestBytes,
			MaxMessages:     s.config.MaxMessages,
			MaxMessageChars: s.config.MaxMessageChars,
		}),
		Limiter:        s.limiter,
		Stores:         s.stores,
		Relay:          relay.New(s.upstream, relay.SystemInstruction),
		Metrics:        s.metrics,
		Logger:         s.logger,
		RequestTimeout: s.config.RequestTimeout,
	})
	health := handlers.NewHealthHandler(s.upstream.Configured, s.stores)

	var metricsHandler http.Handler
	if s.config.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}

	routes.SetupRoutes(s.router, chat, health, metricsHandler)
}

// cleanup flushes the tracer. Called when serve returns.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
