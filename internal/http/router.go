package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/ragmind-backend/internal/http/handlers"
	httpMW "github.com/yungbote/ragmind-backend/internal/http/middleware"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	DocumentHandler *httpH.DocumentHandler
	ChatHandler     *httpH.ChatHandler
	HealthHandler   *httpH.HealthHandler

	// StaticRoot serves processing artifacts under /static when no bucket
	// is configured; empty disables the route.
	StaticRoot string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(otelgin.Middleware("ragmind-backend"))
	r.Use(httpMW.RequestLogger(cfg.Log))

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}
	if cfg.StaticRoot != "" {
		r.Static("/static", cfg.StaticRoot)
	}

	api := r.Group("/api/v1")
	{
		if cfg.DocumentHandler != nil {
			api.POST("/documents", cfg.DocumentHandler.Upload)
			api.DELETE("/documents/:doc_id", cfg.DocumentHandler.Delete)
			api.GET("/documents/:doc_id/status", cfg.DocumentHandler.Status)
			api.GET("/documents/:doc_id/segments", cfg.DocumentHandler.Segments)
			api.PUT("/documents/:doc_id/permissions", cfg.DocumentHandler.ReplacePermissions)
			api.POST("/documents/:doc_id/restart", cfg.DocumentHandler.Restart)
		}

		if cfg.ChatHandler != nil {
			api.POST("/rag_chat", cfg.ChatHandler.RAGChat)
			api.GET("/sessions/:session_id/messages", cfg.ChatHandler.SessionMessages)
		}
	}

	return r
}
