// Package api serves the operator HTTP endpoints: liveness, Prometheus
// metrics and a JSON status summary.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/observability"
)

const (
	outcomeWindow = 24 * time.Hour
	outcomeQuery  = 3 * time.Second
)

// RunCounter reports how many runs are in flight.
type RunCounter interface {
	InFlight() int
}

// SessionCounter reports how many browser sessions are open.
type SessionCounter interface {
	OpenSessions() int
}

// OutcomeCounter summarizes recent audited runs.
type OutcomeCounter interface {
	OutcomeCounts(ctx context.Context, since time.Time) (map[schemas.RunOutcome]int64, error)
}

// Deps are the sources the endpoints read from. Sessions and Outcomes are
// optional.
type Deps struct {
	Metrics   *observability.Metrics
	Runs      RunCounter
	Sessions  SessionCounter
	Outcomes  OutcomeCounter
	StartedAt time.Time
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status        string                       `json:"status"`
	UptimeSeconds int64                        `json:"uptime_seconds"`
	InFlight      int                          `json:"in_flight"`
	OpenSessions  int                          `json:"open_sessions"`
	Outcomes24h   map[schemas.RunOutcome]int64 `json:"outcomes_24h,omitempty"`
	OutcomesError string                       `json:"outcomes_error,omitempty"`
}

type handler struct {
	deps Deps
	now  func() time.Time
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	h := &handler{deps: deps, now: time.Now}
	engine.GET("/healthz", h.health)
	engine.GET("/status", h.status)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	return engine
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) status(c *gin.Context) {
	resp := StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(h.now().Sub(h.deps.StartedAt).Seconds()),
	}
	if h.deps.Runs != nil {
		resp.InFlight = h.deps.Runs.InFlight()
	}
	if h.deps.Sessions != nil {
		resp.OpenSessions = h.deps.Sessions.OpenSessions()
	}
	if h.deps.Outcomes != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), outcomeQuery)
		defer cancel()
		counts, err := h.deps.Outcomes.OutcomeCounts(ctx, h.now().Add(-outcomeWindow))
		if err != nil {
			resp.OutcomesError = "audit store unavailable"
		} else {
			resp.Outcomes24h = counts
		}
	}
	c.JSON(http.StatusOK, resp)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Server runs the router on its own listener.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	logger = logger.Named("api")
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(deps, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Ops HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops http server: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
