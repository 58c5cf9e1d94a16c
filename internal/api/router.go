package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hightd-agent/internal/config"
	"hightd-agent/internal/console"
	"hightd-agent/internal/filemanager"
	"hightd-agent/internal/remote"
	"hightd-agent/internal/server"
)

// NewRouter assembles the gin engine: token-authenticated control routes,
// the console websocket, health and metrics.
func NewRouter(cfg *config.Config, registry *server.Registry, files *filemanager.Service, rc *remote.Client, log *zap.Logger) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), observe(), rateLimit(20, 40))

	h := NewHandlers(cfg, registry, files, rc, log)
	consoleHandler := console.NewHandler(registry, rc, log)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket authenticates via query parameters and the panel's
	// permission endpoint, not the body token.
	r.GET("/api/v1/servers/console", consoleHandler.Serve)

	authed := r.Group("/api/v1", tokenAuth(cfg.Token))
	{
		authed.POST("/status", h.nodeStatus)
		authed.POST("/servers/create", h.createServer)
		authed.POST("/servers/delete", h.deleteServer)
		authed.POST("/servers/status", h.serverStatus)
		authed.POST("/servers/usage", h.serverUsage)
		authed.POST("/servers/action", h.serverAction)
		authed.POST("/servers/filemanager/:operation", h.fileOperation)
	}

	return r
}
