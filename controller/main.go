package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"filebridge/config"
	"filebridge/metrics"
	"filebridge/workspace"
)

// NewRouter builds the HTTP surface over manager.
func NewRouter(cfg config.Config, manager *workspace.Manager) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), Metrics())
	SetupRoutes(r, NewRemoteController(cfg, manager))
	return r
}

func SetupRoutes(r *gin.Engine, rc *RemoteController) {
	remote := r.Group("/remote")
	{
		remote.POST("", rc.Connect)
		remote.GET("", rc.List)
		remote.GET("/:id/ws", rc.StartSession)
		remote.GET("/:id/download", rc.Download)
		remote.DELETE("/:id", rc.Disconnect)
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
