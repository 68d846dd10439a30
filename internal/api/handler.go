// Package api serves the dashboard HTTP API and the websocket status/control
// channel on top of the engine service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"resonance-trader/internal/engine"
	"resonance-trader/internal/events"
	"resonance-trader/internal/monitor"
)

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Logger    *zap.Logger
	JWTSecret string
	Meta      SystemMeta

	httpServer *http.Server
}

// SystemMeta describes the runtime exposed on /health.
type SystemMeta struct {
	Mode    string   `json:"mode"`
	Venue   string   `json:"venue"`
	Symbols []string `json:"symbols"`
	Version string   `json:"version"`
}

// NewServer builds the router. An empty jwtSecret leaves control routes open.
func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.Metrics, logger *zap.Logger, meta SystemMeta, jwtSecret string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(RecoveryMiddleware(logger))                     // Panic recovery (first)
	r.Use(RequestIDMiddleware())                          // Request ID tracking
	r.Use(RequestLogger(logger, metrics))                 // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(rate.Limit(20), 50, logger)) // Per-IP rate limiting
	r.Use(CORSMiddleware())                               // CORS (last before routes)

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		Logger:    logger,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	guard := AuthMiddleware(s.JWTSecret)
	s.Router.GET("/ws", guard, s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.GET("/status", s.getStatus)
		api.GET("/settings", s.getSettings)
		api.GET("/orders", s.getOrders)
		api.GET("/pairs", s.getPairs)

		// Control
		protected := api.Group("")
		protected.Use(guard)
		{
			protected.POST("/control", s.postControl)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "system": s.Meta, "time": time.Now().UTC()})
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("http server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
