// Package api is the operator control surface: signal submission, position
// commands, risk stats and the live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joehajt/tradingbotappweb/internal/engine"
	"github.com/joehajt/tradingbotappweb/internal/events"
	"github.com/joehajt/tradingbotappweb/internal/ingest"
	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/risk"
)

// Submitter runs a job through the ingestion bridge and waits for it.
type Submitter interface {
	Submit(ctx context.Context, job ingest.Job) (ingest.Result, error)
}

// PositionBook is the monitor surface the API drives.
type PositionBook interface {
	Positions() []position.Position
	Get(symbol string) (position.Position, bool)
	Remove(symbol string) error
	ForceBreakeven(ctx context.Context, symbol string) (position.Position, error)
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// RiskView exposes ledger statistics.
type RiskView interface {
	Stats() risk.Stats
}

// AuthResponder answers login challenges raised by message sources.
type AuthResponder interface {
	Pending() (ingest.Challenge, bool)
	Respond(answer string) error
}

// Config wires the server.
type Config struct {
	Engine      engine.Service
	Signals     Submitter
	Positions   PositionBook
	Risk        RiskView
	Auth        AuthResponder
	Bus         *events.Bus
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
	JWTSecret   string
	CORSOrigins []string
	RateLimit   float64
	RateBurst   int
}

// Server wires HTTP endpoints around the engine, monitor and bus.
type Server struct {
	Router  *gin.Engine
	cfg     Config
	logger  *zap.Logger
	limiter *ipLimiter

	// lifetime bounds work started from a request that must outlive it.
	lifetime context.Context
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	s := &Server{
		Router:   gin.New(),
		cfg:      cfg,
		logger:   logger,
		limiter:  newIPLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		lifetime: context.Background(),
	}

	// Middleware stack (order matters!)
	s.Router.Use(Recovery(logger))             // Panic recovery (first)
	s.Router.Use(RequestIDMiddleware())        // Request ID tracking
	s.Router.Use(RequestLogger(logger))        // Request logging (after ID is set)
	s.Router.Use(s.limiter.Middleware(logger)) // Rate limiting
	s.Router.Use(CORSMiddleware(cfg.CORSOrigins))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.cfg.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		api.GET("/system/status", s.getSystemStatus)

		api.POST("/signals", s.submitSignal)
		api.POST("/trades", s.executeTrade)

		api.GET("/positions", s.getPositions)
		api.POST("/positions/:symbol/breakeven", s.forceBreakeven)
		api.DELETE("/positions/:symbol", s.removePosition)

		api.GET("/monitoring", s.getMonitoring)
		api.POST("/monitoring/start", s.startMonitoring)
		api.POST("/monitoring/stop", s.stopMonitoring)

		api.GET("/risk", s.getRiskStats)

		api.GET("/auth/challenge", s.getChallenge)
		api.POST("/auth/challenge", s.answerChallenge)
	}
}

// Run serves on addr until ctx ends, then drains in-flight requests.
// Monitoring started through the API lives as long as ctx.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.lifetime = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	status := s.cfg.Engine.GetSystemStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "system": status})
}
