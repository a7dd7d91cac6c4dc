// Package api exposes the read-only status/stats HTTP surface described in
// SPEC_FULL's DOMAIN STACK: interface status, drop counters, active-flow
// count and (optionally) Prometheus metrics and pprof profiling. It
// deliberately stops short of the teacher's historical query API (§6
// Non-goals: no on-disk retention to query against).
package api

import (
	"context"
	"net/http"

	"github.com/els0r/goProbe/v4/pkg/capture"
	"github.com/els0r/goProbe/v4/pkg/flowtable"
	"github.com/els0r/goProbe/v4/pkg/telemetry/metrics"
	"github.com/els0r/telemetry/logging"
	pprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Option configures a Server.
type Option func(*Server)

// WithDebugMode runs gin in debug (rather than release) mode.
func WithDebugMode(enabled bool) Option {
	return func(s *Server) { s.debug = enabled }
}

// WithProfiling mounts the pprof debug routes.
func WithProfiling(enabled bool) Option {
	return func(s *Server) { s.profiling = enabled }
}

// WithMetrics mounts a Prometheus /metrics endpoint, with the given request
// duration histogram buckets.
func WithMetrics(enabled bool, buckets ...float64) Option {
	return func(s *Server) {
		s.metricsEnabled = enabled
		s.metricsBuckets = buckets
	}
}

// WithRateLimit caps the request rate accepted by the server to r requests
// per second, with a burst of b. r <= 0 disables the limiter.
func WithRateLimit(r rate.Limit, b int) Option {
	return func(s *Server) {
		if r > 0 {
			s.rateLimiter = rate.NewLimiter(r, b)
		}
	}
}

// Server is flowprobe's read-only status/stats HTTP surface.
type Server struct {
	addr    string
	manager *capture.Manager

	debug          bool
	profiling      bool
	metricsEnabled bool
	metricsBuckets []float64
	rateLimiter    *rate.Limiter

	router *gin.Engine
	srv    *http.Server
}

// New returns a Server bound to addr, reporting on manager.
func New(addr string, manager *capture.Manager, opts ...Option) *Server {
	s := &Server{addr: addr, manager: manager}
	for _, opt := range opts {
		opt(s)
	}

	if !s.debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if s.rateLimiter != nil {
		router.Use(s.rateLimitMiddleware)
	}

	if s.metricsEnabled {
		prom := metrics.NewPrometheus("flowprobe", "api")
		if len(s.metricsBuckets) > 0 {
			prom.WithRequestDurationBuckets(s.metricsBuckets)
		}
		prom.Register(router)
	}
	if s.profiling {
		pprof.Register(router)
	}

	router.GET("/status", s.handleStatus)
	router.GET("/stats", s.handleStats)
	if s.debug {
		router.GET("/debug/flows", s.handleDebugFlows)
	}

	s.router = router
	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) rateLimitMiddleware(c *gin.Context) {
	if !s.rateLimiter.Allow() {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	c.Next()
}

func (s *Server) handleStatus(c *gin.Context) {
	ifaces := c.QueryArray("iface")
	c.JSON(http.StatusOK, s.manager.Status(ifaces...))
}

func (s *Server) handleStats(c *gin.Context) {
	counters := s.manager.Counters().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"active_flows":         s.manager.ActiveFlows(),
		"errors":               s.manager.ErrorsAll(),
		"queue_drops":          s.manager.Router().TotalDrops(),
		"packets_received":     counters.PacketsReceived,
		"bytes_received":       counters.BytesReceived,
		"flows_exported":       counters.FlowsExported,
		"too_many_flows_drops": counters.TooManyFlowsDrops,
	})
}

func (s *Server) handleDebugFlows(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	flowtable.Dump(c.Writer, s.manager.Table())
}

// Serve starts the HTTP server. It blocks until Shutdown is called or the
// listener errors.
func (s *Server) Serve() error {
	logging.Logger().Info("starting API server", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
