package app

import (
	"github.com/yungbote/ragmind-backend/internal/db"
	httpH "github.com/yungbote/ragmind-backend/internal/http/handlers"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

type Handlers struct {
	Document *httpH.DocumentHandler
	Chat     *httpH.ChatHandler
	Health   *httpH.HealthHandler
}

func wireHandlers(log *logger.Logger, sql *db.MySQLService, c Clients, r Repos, s Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Document: httpH.NewDocumentHandler(s.Documents),
		Chat:     httpH.NewChatHandler(s.RAG, r.Chats),
		Health:   httpH.NewHealthHandler(sql, c.Vectors, c.Lexical, c.Cache),
	}
}
