// Package playground serves the demo HTTP surface: a credentialed proxy to
// the ledger backend, hosted-checkout redirects, and an x402 paywall.
package playground

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/ledger"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/types"
)

// httpPrefix prefixes the latency operation recorded per route.
const httpPrefix = "http:"

// Config holds everything the server needs besides the ledger client.
type Config struct {
	// Price of GET /api/premium.
	PremiumAmount   decimal.Decimal
	PremiumCurrency string
	PremiumNetwork  types.Network
	PremiumPayTo    string

	Logger logger.Logger

	// Registry, when set, receives request metrics and is served on /metrics.
	Registry *prometheus.Registry
}

type Server struct {
	ledger  *ledger.Client
	log     logger.Logger
	metrics metrics.Recorder
	paywall *Paywall
	engine  *gin.Engine
}

// New builds the server and its routes. It fails when the premium price
// cannot be expressed on the configured network.
func New(client *ledger.Client, cfg Config) (*Server, error) {
	paywall, err := NewPaywall(Price{
		Amount:      cfg.PremiumAmount,
		Currency:    cfg.PremiumCurrency,
		Network:     cfg.PremiumNetwork,
		PayTo:       cfg.PremiumPayTo,
		Description: "Access to premium article content",
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		ledger:  client,
		log:     logger.OrNoop(cfg.Logger),
		metrics: metrics.NoopRecorder{},
		paywall: paywall,
	}
	if cfg.Registry != nil {
		s.metrics = metrics.NewPrometheusRecorder(cfg.Registry)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe())
	s.routes(engine)
	if cfg.Registry != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler(cfg.Registry)))
	}
	s.engine = engine
	return s, nil
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/api/config", s.config)
	r.GET("/api/test-connection", s.testConnection)

	api := r.Group("/api")
	api.POST("/charges", s.proxy(http.MethodPost, fixedPath("/v1/charges"), true))
	api.POST("/charges/verify", s.proxy(http.MethodPost, fixedPath("/v1/charges/verify"), true))
	api.POST("/facilitator/monitor", s.proxy(http.MethodPost, fixedPath("/v1/facilitator/monitor"), true))
	api.GET("/facilitator/monitor/:id", s.proxy(http.MethodGet, paramPath("/v1/facilitator/monitor/", ""), false))
	api.POST("/facilitator/confirm", s.proxy(http.MethodPost, fixedPath("/v1/facilitator/confirm"), true))
	api.GET("/demo/charges/:id/ui-state", s.proxy(http.MethodGet, paramPath("/v1/demo/charges/", "/ui-state"), false))

	api.GET("/routes", s.listRoutes)
	api.GET("/checkout", s.checkout)
	api.GET("/premium", s.paywall.Require(s.ledger, s.log), s.premium)
}

// Handler exposes the router, mainly for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.Info("playground listening", map[string]any{"addr": addr, "backend_url": s.ledger.BaseURL()})
	return s.engine.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": "1.0.0"})
}

func (s *Server) config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backend_url": s.ledger.BaseURL()})
}

func (s *Server) testConnection(c *gin.Context) {
	c.JSON(http.StatusOK, s.ledger.TestConnection(c.Request.Context()))
}

// observe records the latency of every request by route.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveLatency(httpPrefix+route, time.Since(start), nil)
		s.log.Debug("request served", map[string]any{
			"method": c.Request.Method,
			"route":  route,
			"status": c.Writer.Status(),
		})
	}
}
