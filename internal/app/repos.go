package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/repos"
)

type Repos struct {
	Docs     repos.DocInfoRepo
	Pages    repos.DocPageRepo
	Segments repos.SegmentRepo
	Perms    repos.PermissionRepo
	Chats    repos.ChatRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Docs:     repos.NewDocInfoRepo(db, log),
		Pages:    repos.NewDocPageRepo(db, log),
		Segments: repos.NewSegmentRepo(db, log),
		Perms:    repos.NewPermissionRepo(db, log),
		Chats:    repos.NewChatRepo(db, log),
	}
}
