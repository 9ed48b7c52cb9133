package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-guard/internal/balance"
	"trading-guard/internal/events"
	"trading-guard/internal/gateway"
	"trading-guard/internal/order"
	"trading-guard/internal/reconciliation"
	"trading-guard/pkg/db"
)

// Reconciler runs reconciliation cycles on demand.
type Reconciler interface {
	RunCycle(ctx context.Context) (*reconciliation.Report, error)
	LastReport() *reconciliation.Report
}

// BreakerView exposes the conditional-order breaker.
type BreakerView interface {
	State() gateway.BreakerState
}

// HealthView reports reconciliation health.
type HealthView interface {
	Healthy() bool
}

// Server wires the operator HTTP endpoints.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Executor   *order.Executor
	Balances   *balance.Manager
	Reconciler Reconciler
	Breaker    BreakerView
	Health     HealthView
	Metrics    http.Handler
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes the running instance.
type SystemMeta struct {
	InstanceID      string `json:"instance_id"`
	Version         string `json:"version"`
	ProxyConfigured bool   `json:"proxy_configured"`
	ProxyDefault    bool   `json:"proxy_default"`
	BackupEnabled   bool   `json:"backup_enabled"`
}

// NewServer builds the router; optional collaborators are set on the
// returned Server before Start.
func NewServer(s *Server) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(NewIPRateLimiter(20, 50).Middleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(ProxyModeMiddleware())

	s.Router = r
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/orders", s.getOrders)
		api.POST("/orders", s.createOrder)
		api.DELETE("/orders/:id", s.cancelOrder)
		api.GET("/balances", s.getBalances)
		api.POST("/reconcile", s.reconcile)
	}
	// Browsers cannot set headers on websocket upgrades, so /ws also takes ?token=.
	s.Router.GET("/ws", QueryTokenAuth(s.JWTSecret), s.websocket)
}

func (s *Server) health(c *gin.Context) {
	if s.Health != nil && !s.Health.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
