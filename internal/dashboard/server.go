// Package dashboard is the guidepost HTTP server: the operator JSON API, a
// server-sent event stream of the conversation list, the visitor and
// operator WebSockets, the tab-closing beacon endpoint, and /metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/operator"
	"gorm.io/gorm"
)

// RouterOpts holds the dependencies of the HTTP handlers.
type RouterOpts struct {
	Console *operator.Console
	// Visitors serves /ws/visitor. Optional.
	Visitors http.Handler
	// LiveVisitors reports the number of connected tabs for /health.
	// Optional.
	LiveVisitors func() int
	// DB enables the summary and audit endpoints. Optional.
	DB *gorm.DB
	// Gatherer enables /metrics. Optional.
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	RouterOpts
	Port int
	Out  io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts RouterOpts) (*gin.Engine, error) {
	if opts.Console == nil {
		return nil, fmt.Errorf("dashboard: console is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{
		console:   opts.Console,
		visitors:  opts.Visitors,
		live:      opts.LiveVisitors,
		db:        opts.DB,
		gatherer:  opts.Gatherer,
		log:       opts.Logger.WithField("component", "dashboard"),
		heartbeat: opts.Heartbeat,
	})
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.RouterOpts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Guidepost running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
