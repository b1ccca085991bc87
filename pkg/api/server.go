// Package api implements the control surface (spec §6.6): a gin HTTP API
// for the eight transfer operations plus a websocket event stream, grounded
// on the teacher's pkg/api server/routes/websocket/auth layering.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/chiral-network/transfer-core/internal/config"
	"github.com/chiral-network/transfer-core/pkg/engine"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/metrics"
	"github.com/chiral-network/transfer-core/pkg/retry"
)

// Server is the control-surface HTTP server fronting one Engine.
type Server struct {
	cfg    config.APIConfig
	engine *engine.Engine
	bus    *eventbus.Bus
	health *retry.HealthMonitor
	log    zerolog.Logger

	router *gin.Engine
	http   *http.Server
	hub    *wsHub

	operatorUser     string
	operatorPassHash string

	stop chan struct{}
}

// New builds a Server. operatorPassHash is a bcrypt hash; an empty
// operatorUser disables login and leaves every route public, matching
// cfg.API.JWTSecret == "" in development. health is optional: a nil
// HealthMonitor makes GET /v1/health/network report unavailable rather
// than panicking.
func New(cfg config.APIConfig, eng *engine.Engine, bus *eventbus.Bus, operatorUser, operatorPassHash string, health *retry.HealthMonitor, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:              cfg,
		engine:           eng,
		bus:              bus,
		health:           health,
		log:              log,
		router:           router,
		hub:              newWSHub(log),
		operatorUser:     operatorUser,
		operatorPassHash: operatorPassHash,
		stop:             make(chan struct{}),
	}

	s.router.Use(s.requestLogger())
	s.router.Use(s.authMiddleware())
	s.registerRoutes()

	return s
}

// requestLogger logs each request at Debug with method/path/status/latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("api request")
	}
}

// Start begins serving and forwarding the event bus to websocket clients.
// It returns immediately; call Shutdown to stop.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go s.hub.pumpEvents(s.bus, s.stop)

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("control-surface server stopped unexpectedly")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server and event pump.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	return s.http.Shutdown(ctx)
}

// Router exposes the underlying gin engine for in-process testing via
// httptest, without binding a real listener.
func (s *Server) Router() http.Handler { return s.router }

// Handler exposes the Prometheus-compatible /metrics mux entry when the
// caller wants to mount it alongside the control surface rather than on a
// separate listener (cmd/chiral-transferd mounts it separately instead).
func MetricsHandler() http.Handler { return metrics.Handler() }
