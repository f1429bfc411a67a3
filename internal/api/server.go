// Package api serves market data over HTTP and fans bus topics out to
// WebSocket clients.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cryptostream/config"
	"cryptostream/internal/bus"
	"cryptostream/internal/candles"
	"cryptostream/internal/exchange"
	"cryptostream/internal/metrics"
	"cryptostream/internal/stream"
	"cryptostream/logger"
)

// StatsFunc reports the state of one component for /stats.
type StatsFunc func() interface{}

// Deps are the components the server reads from.
type Deps struct {
	Exchanges *exchange.Manager
	Bus       *bus.Bus
	Candles   *candles.Hub
	// Components adds named sections to /stats.
	Components map[string]StatsFunc
}

type Server struct {
	cfg  config.APIConfig
	app  config.AppConfig
	deps Deps
	log  *logger.Log

	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	upgrader      websocket.Upgrader
	started       time.Time

	httpServer *http.Server
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, app config.AppConfig, deps Deps, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if deps.Exchanges == nil || deps.Bus == nil {
		return nil, errors.New("api: exchanges and bus are required")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	store := newMetricStore(cfg.ResourceHistory)
	logs := newLogStore(cfg.ResourceHistory)
	log.AddHook(logs)

	return &Server{
		cfg:           cfg,
		app:           app,
		deps:          deps,
		log:           log,
		metricStore:   store,
		logStore:      logs,
		metricHandler: metrics.RegisterMetricHandler(store.handle),
		sampler:       newResourceSampler(cfg.ResourceHistory, cfg.SampleInterval, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("api").WithField("address", s.cfg.Address).Info("api server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Handler builds the router. Hijacked WebSocket connections outlive
// Shutdown, so they watch the request context and the bus instead.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())
	_ = router.SetTrustedProxies(nil)

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/exchanges", s.handleExchanges)
	router.GET("/stats", s.handleStats)
	router.GET("/resources", s.handleResources)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/debug/metrics", s.handleDebugMetrics)
	router.GET("/debug/logs", s.handleDebugLogs)

	router.GET("/multi/ohlc/:symbol/:interval", s.handleMultiOHLC)
	router.GET("/:exchange/ohlc/:symbol/:interval", s.handleOHLC)
	router.GET("/:exchange/oi/:symbol", s.handleOpenInterest)
	router.GET("/:exchange/oi-hist/:symbol", s.handleOpenInterestHistory)
	router.GET("/:exchange/funding/:symbol", s.handleFunding)
	router.GET("/:exchange/funding-hist/:symbol", s.handleFundingHistory)

	router.GET("/ws/all/liquidations", s.handleAllLiquidations)
	router.GET("/ws/all/large_trades", s.handleAllLargeTrades)
	router.GET("/ws/oi-vol", s.handleSpikes)
	router.GET("/ws/:exchange/:symbol/:stream", s.handleExchangeStream)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "path": c.Request.URL.Path})
	})
	return router
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogPerformanceEntry(s.log.WithComponent("api"), "api", c.FullPath(), time.Since(start), logger.Fields{
			"status": c.Writer.Status(),
			"path":   c.Request.URL.Path,
		})
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      s.app.Name,
		"version":   s.app.Version,
		"status":    "operational",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"exchanges": s.deps.Exchanges.List(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.deps.Exchanges.HealthCheck(c.Request.Context())
	status := "healthy"
	for _, ok := range health {
		if !ok {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "exchanges": health})
}

func (s *Server) handleExchanges(c *gin.Context) {
	names := s.deps.Exchanges.List()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		conn, err := s.deps.Exchanges.Get(name)
		if err != nil {
			continue
		}
		out = append(out, gin.H{
			"name":         name,
			"capabilities": conn.Capabilities().Names(),
			"live_streams": conn.LiveStreams(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": out})
}

func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{
		"bus":     s.deps.Bus.Stats(),
		"streams": stream.Snapshot(),
		"flows":   logger.FlowNames(),
	}
	if s.deps.Candles != nil {
		out["candles"] = s.deps.Candles.Stats()
	}
	for name, fn := range s.deps.Components {
		out[name] = fn()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}

func (s *Server) handleDebugMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot(c.Query("component"), c.Query("exchange"))
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleDebugLogs(c *gin.Context) {
	level := logrus.WarnLevel
	if v := c.Query("level"); v != "" {
		parsed, err := logrus.ParseLevel(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = parsed
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(level)})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8000"
	}
	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}
	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8000"
		}
		return net.JoinHostPort(host, port)
	}
	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8000")
	}
	return addr
}
