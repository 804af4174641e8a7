// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes live figures over HTTP and websockets.
//
// # Routes
//
//	GET /health                       liveness
//	GET /metrics                      Prometheus, when enabled
//	GET /v1/plot/figures              figure summaries
//	GET /v1/plot/figures/:name        published document and references
//	GET /v1/plot/figures/:name/ws     live session
//	GET /v1/plot/tables               table summaries
//	GET /v1/plot/tables/:id           table snapshot
//
// Sessions exchange session.Frame messages. The first frame from the
// server is the figure's current NEW_FIGURE message; later frames are
// pushes and replies.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianPlot/services/plot/session"
	"github.com/AleutianAI/AleutianPlot/services/plot/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName names the server in traces.
const ServiceName = "aleutian-plot"

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the websocket origins accepted besides the
// server's own host. "*" accepts any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = slices.Clone(origins) }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithReadLimit caps inbound websocket frames in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithInboundRate limits inbound frames per session. See
// session.WithInboundRate.
func WithInboundRate(r float64, burst int) Option {
	return func(s *Server) {
		s.inboundRate = r
		s.inboundBurst = burst
	}
}

// WithShutdownTimeout bounds graceful shutdown in Serve.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMetrics records session metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server routes HTTP requests to a Catalog.
type Server struct {
	catalog  *Catalog
	registry *session.Registry
	router   *gin.Engine
	upgrader websocket.Upgrader

	origins         []string
	writeTimeout    time.Duration
	readLimit       int64
	inboundRate     float64
	inboundBurst    int
	shutdownTimeout time.Duration
	metrics         *telemetry.Metrics
	logger          *slog.Logger
}

// New builds a Server over catalog.
//
// Description:
//
//	Registers the figure object type, applies the otelgin middleware and
//	installs the routes listed in the package documentation. /metrics is
//	installed only when the Prometheus exporter has been initialized.
//
// Inputs:
//
//	catalog - Figures and tables to expose. Must not be nil.
//	opts - Server options.
//
// Outputs:
//
//	*Server - Ready to serve.
//	error - Non-nil if the object type cannot be registered.
func New(catalog *Catalog, opts ...Option) (*Server, error) {
	s := &Server{
		catalog:         catalog,
		registry:        session.NewRegistry(),
		writeTimeout:    10 * time.Second,
		readLimit:       1 << 20,
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	figureType := session.NewObjectType(
		session.WithConnectionMetrics(s.metrics),
		session.WithConnectionLogger(s.logger),
	)
	if err := s.registry.Register(figureType); err != nil {
		return nil, err
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.GET("/health", handleHealth)
	if h := telemetry.MetricsHandler(); h != nil {
		s.router.GET("/metrics", gin.WrapH(h))
	}

	v1 := s.router.Group("/v1/plot")
	{
		figures := v1.Group("/figures")
		{
			figures.GET("", s.handleListFigures)
			figures.GET("/:name", s.handleGetFigure)
			figures.GET("/:name/ws", s.handleFigureSession)
		}
		tables := v1.Group("/tables")
		{
			tables.GET("", s.handleListTables)
			tables.GET("/:id", s.handleGetTable)
		}
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until ctx is done, then shuts down.
//
// Description:
//
//	Request contexts derive from ctx, so cancelling ctx also ends every
//	live websocket session. Shutdown waits up to the shutdown timeout for
//	in-flight requests.
//
// Outputs:
//
//	error - nil after a graceful shutdown, otherwise the serve or shutdown
//	    error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("plot server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("plot server stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
