// Package router 注册 RAG 服务的 HTTP 路由。
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/ragserve/internal/ragserve/handler"
)

// Register registers the RAG service routes.
func Register(engine *gin.Engine, h *handler.Handler) {
	engine.GET("/healthz", h.Healthz)
	engine.GET("/readyz", h.Readyz)
	engine.GET("/metrics", h.Metrics)

	v1 := engine.Group("/v1")
	{
		rag := v1.Group("/rag")
		{
			// Ingest endpoints
			rag.POST("/ingest", h.Ingest)
			rag.POST("/ingest/directory", h.IngestDirectory)

			// Query and generation
			rag.POST("/query", h.Query)
			rag.POST("/generate", h.Generate)

			// Session lifecycle
			rag.POST("/sessions", h.CreateSession)
			rag.GET("/sessions", h.ListSessions)
			rag.GET("/sessions/:id", h.GetSession)
			rag.DELETE("/sessions/:id", h.CancelSession)

			// Document management
			rag.DELETE("/documents/:id", h.DeleteDocument)
			rag.DELETE("/documents", h.DeleteDocuments)

			// Stats and cache management
			rag.GET("/stats", h.Stats)
			rag.DELETE("/cache", h.ClearCache)
		}
	}

	logger.Info("HTTP routes registered")
}
