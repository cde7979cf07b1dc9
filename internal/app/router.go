package app

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragmind-backend/internal/http"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

func wireRouter(log *logger.Logger, handlers Handlers, staticRoot string) *gin.Engine {
	return http.NewRouter(http.RouterConfig{
		Log:             log,
		DocumentHandler: handlers.Document,
		ChatHandler:     handlers.Chat,
		HealthHandler:   handlers.Health,
		StaticRoot:      staticRoot,
	})
}
