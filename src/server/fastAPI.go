package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"instrument-gateway/src/arbiter"
	"instrument-gateway/src/broadcast"
	"instrument-gateway/src/config"
	"instrument-gateway/src/instrument"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/metrics"

	"github.com/gin-gonic/gin"
)

// -----------------------------------------------------------------------------
// FastAPIServer
// -----------------------------------------------------------------------------

// FastAPIServer is the HTTP and websocket surface of the gateway. Every
// handler that needs the instrument goes through the arbiter.
type FastAPIServer struct {
	Config     *config.Config
	Logger     *logger.Logger
	engine     *gin.Engine
	httpServer *http.Server

	arbiter     *arbiter.Arbiter
	instrument  *instrument.Manager
	broadcaster *broadcast.Broadcaster
	journal     interfaces.IDatabase // nil when the journal is disabled

	startedAt time.Time
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewFastAPIServer(
	cfg *config.Config,
	logger *logger.Logger,
	arb *arbiter.Arbiter,
	mgr *instrument.Manager,
	bc *broadcast.Broadcaster,
	journal interfaces.IDatabase,
) *FastAPIServer {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &FastAPIServer{
		Config:      cfg,
		Logger:      logger,
		engine:      gin.New(),
		arbiter:     arb,
		instrument:  mgr,
		broadcaster: bc,
		journal:     journal,
		startedAt:   time.Now(),
	}
	s.engine.Use(gin.Recovery())

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// setup web routes
	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *FastAPIServer) setupRoutes() {
	s.engine.GET("/health", s.getHealth)

	conn := s.engine.Group("/connection")
	conn.GET("/status", s.getConnectionStatus)
	conn.POST("/connect", s.postConnect)
	conn.POST("/disconnect", s.postDisconnect)
	conn.GET("/condition", s.getCondition)
	conn.POST("/check_errors", s.postCheckErrors)

	det := s.engine.Group("/detector")
	det.GET("/snapshot", s.getSnapshot)
	det.GET("/trace/metadata", s.getTraceMetadata)
	det.GET("/trace/data", s.getTraceData)

	meas := s.engine.Group("/measurement")
	meas.POST("/sweep/start", s.postSweepStart)
	meas.POST("/sweep/abort", s.postSweepAbort)
	meas.GET("/sweep/status", s.getSweepStatus)

	s.engine.POST("/instrument/exchange", s.postExchange)

	api := s.engine.Group("/api")
	api.GET("/subscribers", s.getSubscribers)
	api.DELETE("/subscribers/:id", s.deleteSubscriber)
	api.GET("/arbiter", s.getArbiter)
	api.GET("/config", s.getConfig)
	api.GET("/exchanges", s.getExchanges)
	api.GET("/metrics", gin.WrapH(metrics.Handler()))

	// WebSocket endpoints
	s.engine.GET("/ws/power", s.handlePowerStream)
	s.engine.GET("/ws/health", s.handleHealthStream)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until Stop. It returns nil after a clean shutdown.
func (s *FastAPIServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("Starting server on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

// Stop drains HTTP requests. Websocket connections are hijacked and are
// closed by the broadcaster instead.
func (s *FastAPIServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

// getHealth never touches the instrument.
func (s *FastAPIServer) getHealth(c *gin.Context) {
	stats := s.arbiter.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        s.Config.Name,
		"connected":      s.instrument.IsConnected(),
		"mock":           s.Config.Instrument.MockMode,
		"active_streams": s.broadcaster.Count(),
		"queued":         stats.Queued,
		"in_flight":      stats.InFlight,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getSubscribers(c *gin.Context) {
	subs := s.broadcaster.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":       len(subs),
		"subscribers": subs,
	})
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) deleteSubscriber(c *gin.Context) {
	id := c.Param("id")
	if !s.broadcaster.Disconnect(id) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "subscriber not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": id})
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getArbiter(c *gin.Context) {
	c.JSON(http.StatusOK, s.arbiter.Stats())
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getConfig(c *gin.Context) {
	t := s.Config.Telemetry
	c.JSON(http.StatusOK, gin.H{
		"instrument": gin.H{
			"address":        s.instrument.Address(),
			"mock":           s.Config.Instrument.MockMode,
			"default_module": s.Config.Instrument.DefaultModule,
			"channels":       s.Config.Instrument.Channels,
		},
		"telemetry": gin.H{
			"sample_interval_ms":     t.SampleIntervalMs,
			"heartbeat_interval_sec": t.HeartbeatIntervalSec,
			"max_client_interval_ms": t.MaxClientIntervalMs,
			"send_timeout_ms":        t.SendTimeoutMs,
		},
		"arbiter": gin.H{
			"max_queue":           s.Config.Arbiter.MaxQueue,
			"default_deadline_ms": s.Config.Arbiter.DefaultDeadlineMs,
		},
	})
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getExchanges(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "exchange journal disabled"})
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid limit"})
		return
	}
	records, err := s.journal.RecentExchanges(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "exchanges": records})
}
