// Package gateway assembles the HTTP surface: the document sync upgrade
// route, health, and metrics.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/config"
	"github.com/ruvnet/crdtsync/internal/middleware"
	"github.com/ruvnet/crdtsync/internal/session"
	"github.com/ruvnet/crdtsync/internal/transport"
	"github.com/ruvnet/crdtsync/pkg/metrics"
)

// pinger is satisfied by metadataclient.PostgresClient; kept narrow so the
// Gateway doesn't need the concrete metadata client type.
type pinger interface {
	Ping(ctx context.Context) error
}

// Gateway owns the gin router and the collaborators it needs to accept a
// document sync connection and report health.
type Gateway struct {
	router      *gin.Engine
	sessionDeps session.Deps
	redis       *redis.Client
	metadata    pinger
	logger      *zap.Logger
	metrics     *metrics.Metrics
	cfg         *config.Config
}

// New assembles the router: CORS, request id, structured request logging,
// panic recovery, and rate limiting ahead of the sync/health/metrics
// routes.
func New(cfg *config.Config, deps session.Deps, redisClient *redis.Client, metadataPinger pinger, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		sessionDeps: deps,
		redis:       redisClient,
		metadata:    metadataPinger,
		logger:      logger,
		metrics:     m,
		cfg:         cfg,
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.RateLimit(cfg.RateLimit))

	router.GET("/health", g.health)
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/documents/:docId/sync", g.handleSync)

	g.router = router
	return g
}

// Handler returns the assembled http.Handler for use with http.Server.
func (g *Gateway) Handler() http.Handler { return g.router }

// handleSync upgrades the request to a WebSocket and runs the Document
// Session to completion; Dial has already closed the socket with the
// correct policy code on any rejection.
func (g *Gateway) handleSync(c *gin.Context) {
	docID := c.Param("docId")
	token := c.Query("token")

	conn, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	maxPayload := g.cfg.Sync.MaxPayloadBytes
	sock := transport.New(uuid.NewString(), conn, maxPayload, g.logger)

	sess, err := session.Dial(c.Request.Context(), g.sessionDeps, sock, sock.ID(), docID, token)
	if err != nil {
		g.logger.Info("session rejected", zap.String("doc_id", docID), zap.Error(err))
		return
	}

	if err := sess.Run(); err != nil {
		g.logger.Debug("session ended", zap.String("doc_id", docID), zap.Error(err))
	}
}

// health reports this replica's connectivity to its substrate and
// metadata dependencies.
func (g *Gateway) health(c *gin.Context) {
	status := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"services":  gin.H{},
	}
	services := status["services"].(gin.H)
	healthy := true

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if g.redis != nil {
		if _, err := g.redis.Ping(ctx).Result(); err != nil {
			services["substrate"] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			services["substrate"] = "healthy"
		}
	}

	if g.metadata != nil {
		if err := g.metadata.Ping(ctx); err != nil {
			services["metadata"] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			services["metadata"] = "healthy"
		}
	}

	if !healthy {
		status["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
