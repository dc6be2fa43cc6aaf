// internal/web/server.go
package web

import (
    "context"
    "errors"
    "net/http"
    "sync"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/sirupsen/logrus"

    "fleetd/internal/auth"
    "fleetd/internal/config"
    "fleetd/internal/database"
    "fleetd/internal/dispatch"
    "fleetd/internal/ingest"
    "fleetd/internal/metrics"
)

type Server struct {
    config     *config.Config
    store      database.Store
    gate       *auth.Gate
    gateway    *ingest.Gateway
    dispatcher *dispatch.Dispatcher
    settings   *database.SettingsCache
    metrics    *metrics.Collector
    router     *gin.Engine
    server     *http.Server

    wsMu      sync.Mutex
    wsClients map[*WSClient]bool
}

func NewServer(cfg *config.Config, store database.Store, gate *auth.Gate, gateway *ingest.Gateway, dispatcher *dispatch.Dispatcher, settings *database.SettingsCache, collector *metrics.Collector) *Server {
    if cfg.Logging.Level != "debug" {
        gin.SetMode(gin.ReleaseMode)
    }

    router := gin.New()
    router.Use(gin.Logger())
    router.Use(gin.Recovery())
    router.Use(corsMiddleware())

    server := &Server{
        config:     cfg,
        store:      store,
        gate:       gate,
        gateway:    gateway,
        dispatcher: dispatcher,
        settings:   settings,
        metrics:    collector,
        router:     router,
        wsClients:  make(map[*WSClient]bool),
    }

    server.setupRoutes()
    return server
}

func (s *Server) Start(ctx context.Context) error {
    s.server = &http.Server{
        Addr:         s.config.Server.Port,
        Handler:      s.router,
        ReadTimeout:  s.config.Server.ReadTimeout,
        WriteTimeout: s.config.Server.WriteTimeout,
    }

    logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

    go s.updateMetricsRoutine(ctx)

    go func() {
        if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            logrus.WithError(err).Fatal("Failed to start server")
        }
    }()

    return nil
}

func (s *Server) Stop(ctx context.Context) error {
    if s.server != nil {
        return s.server.Shutdown(ctx)
    }
    return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
    return s.router
}

func (s *Server) setupRoutes() {
    // Agent-facing surface. Everything except the liveness probe goes
    // through the credential gate.
    ingestGroup := s.router.Group("/ingest")
    {
        ingestGroup.GET("/health", s.ingestHealth)

        authed := ingestGroup.Group("", s.agentAuth())
        authed.POST("", s.postBatch)
        authed.GET("/commands", s.pollCommands)
        authed.POST("/commands/:id/result", s.postCommandResult)
        authed.GET("/files", s.pollFiles)
        authed.GET("/files/:id/download", s.downloadFile)
        authed.POST("/files/:id/result", s.postFileResult)
    }

    // Operator API. Reads accept either token, writes require the write
    // token.
    api := s.router.Group("/api", s.operatorAuth(false))
    {
        api.GET("/hosts", s.getHosts)
        api.GET("/hosts/:id", s.getHost)
        api.GET("/hosts/:id/state", s.getHostState)
        api.GET("/hosts/:id/screenshot", s.getHostScreenshot)
        api.GET("/messages", s.getMessages)
        api.GET("/alerts", s.getAlerts)
        api.GET("/commands", s.getCommands)
        api.GET("/commands/:id", s.getCommand)
        api.GET("/transfers", s.getTransfers)
        api.GET("/keys", s.getApiKeys)
        api.GET("/settings", s.getSettings)
        api.GET("/stats", s.getStats)
        api.GET("/health", s.healthCheck)
    }

    write := s.router.Group("/api", s.operatorAuth(true))
    {
        write.PUT("/hosts/:id", s.updateHost)
        write.POST("/alerts/:id/resolve", s.resolveAlert)
        write.POST("/commands", s.createCommand)
        write.POST("/commands/:id/cancel", s.cancelCommand)
        write.POST("/transfers", s.createTransfer)
        write.POST("/transfers/:id/cancel", s.cancelTransfer)
        write.POST("/keys", s.createApiKey)
        write.PUT("/keys/:id", s.updateApiKey)
        write.DELETE("/keys/:id", s.deleteApiKey)
        write.PUT("/settings", s.updateSettings)
    }

    s.router.GET("/ws", s.handleWebSocket)

    if s.config.Prometheus.Enabled {
        s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
    }
}

func (s *Server) healthCheck(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{
        "status":    "healthy",
        "timestamp": time.Now().UTC(),
    })
}

// agentAuth verifies the X-API-Key / X-Agent-ID pair and stashes the agent
// id in the request context.
func (s *Server) agentAuth() gin.HandlerFunc {
    return func(c *gin.Context) {
        rawKey := c.GetHeader("X-API-Key")
        agentID := c.GetHeader("X-Agent-ID")
        if agentID == "" {
            agentID = c.Query("agent")
        }

        if _, err := s.gate.Verify(c.Request.Context(), rawKey, agentID); err != nil {
            if authErr, ok := auth.IsAuthError(err); ok {
                s.metrics.RecordAuthDenial(authErr.Reason)
                logrus.WithFields(logrus.Fields{
                    "agent_id": agentID,
                    "reason":   authErr.Reason,
                }).Warn("Agent authentication denied")
                c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired API key"})
                return
            }
            c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication unavailable"})
            return
        }

        c.Set("agent_id", agentID)
        c.Next()
    }
}

// operatorAuth checks the operator token. The write token always passes;
// the read token passes only when write is not required.
func (s *Server) operatorAuth(write bool) gin.HandlerFunc {
    return func(c *gin.Context) {
        token := c.GetHeader("X-Operator-Token")
        if token == "" {
            token = c.Query("token")
        }

        op := s.config.Operator
        authorized := token != "" && (token == op.WriteToken || (!write && token == op.ReadToken))
        if !authorized {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid operator token"})
            return
        }
        c.Next()
    }
}

// respondError maps store and auth errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
    switch {
    case errors.Is(err, database.ErrNotFound):
        c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
    case errors.Is(err, database.ErrConflict):
        c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
    default:
        logrus.WithError(err).Error("Request failed")
        c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
    }
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
                logrus.WithError(err).Error("Failed to update system metrics")
            }
        }
    }
}

func corsMiddleware() gin.HandlerFunc {
    return func(c *gin.Context) {
        c.Header("Access-Control-Allow-Origin", "*")
        c.Header("Access-Control-Allow-Credentials", "true")
        c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-API-Key, X-Agent-ID, X-Operator-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
        c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

        if c.Request.Method == "OPTIONS" {
            c.AbortWithStatus(204)
            return
        }

        c.Next()
    }
}
