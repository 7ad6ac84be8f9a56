package server

import (
	"context"

	"github.com/gin-gonic/gin"
)

func (s *Server) buildRouter(ctx context.Context) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestContext(ctx))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/workflows/:workflow_id/executions", s.submitRun)
		api.POST("/hooks/:workflow_id", s.webhook)
		api.GET("/executions", s.listExecutions)
		api.GET("/executions/:exec_id", s.getExecution)
		api.POST("/executions/:exec_id/cancel", s.cancelExecution)
		api.GET("/executions/:exec_id/stream", s.streamExecution)
		api.GET("/nodes", s.listNodes)
		api.GET("/nodes/:type", s.getNode)
		api.GET("/dead-letters", s.listDeadLetters)
	}
	return router
}
