package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/types"
	"github.com/yungbote/ragmind-backend/internal/utils"
)

type MySQLService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMySQLService(log *logger.Logger) (*MySQLService, error) {
	serviceLog := log.With("service", "MySQLService")

	log.Info("Loading environment variables...")
	mysqlHost := utils.GetEnv("MYSQL_HOST", "localhost", log)
	mysqlPort := utils.GetEnv("MYSQL_PORT", "3306", log)
	mysqlUser := utils.GetEnv("MYSQL_USER", "root", log)
	mysqlPassword := utils.GetEnv("MYSQL_PASSWORD", "", log)
	mysqlDatabase := utils.GetEnv("MYSQL_DATABASE", "rag_db", log)
	mysqlParams := utils.GetEnv("MYSQL_PARAMS", "charset=utf8mb4&parseTime=True&loc=UTC", log)

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?%s", mysqlUser, mysqlPassword, mysqlHost, mysqlPort, mysqlDatabase, mysqlParams)

	log.Info("Connecting to MySQL...", "host", mysqlHost, "database", mysqlDatabase)
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	return &MySQLService{db: gdb, log: serviceLog}, nil
}

func (s *MySQLService) AutoMigrateAll() error {
	s.log.Info("Auto migrating mysql tables...")
	if err := AutoMigrate(s.db); err != nil {
		s.log.Error("Auto migration failed for mysql tables", "error", err)
		return err
	}
	s.log.Info("Configuring foreign key relationships for mysql tables...")
	fks := []struct {
		table string
		name  string
		ddl   string
	}{
		{"segment_info", "fk_segment_info_doc_id",
			"ALTER TABLE segment_info ADD CONSTRAINT fk_segment_info_doc_id FOREIGN KEY (doc_id) REFERENCES doc_info(doc_id) ON DELETE CASCADE"},
		{"doc_page_info", "fk_doc_page_info_doc_id",
			"ALTER TABLE doc_page_info ADD CONSTRAINT fk_doc_page_info_doc_id FOREIGN KEY (doc_id) REFERENCES doc_info(doc_id) ON DELETE CASCADE"},
		{"permission_doc_link", "fk_permission_doc_link_doc_id",
			"ALTER TABLE permission_doc_link ADD CONSTRAINT fk_permission_doc_link_doc_id FOREIGN KEY (doc_id) REFERENCES doc_info(doc_id) ON DELETE CASCADE"},
		{"chat_messages", "fk_chat_messages_session_id",
			"ALTER TABLE chat_messages ADD CONSTRAINT fk_chat_messages_session_id FOREIGN KEY (session_id) REFERENCES chat_sessions(session_id) ON DELETE CASCADE"},
	}
	for _, fk := range fks {
		if s.db.Migrator().HasConstraint(fk.table, fk.name) {
			continue
		}
		if err := s.db.Exec(fk.ddl).Error; err != nil {
			return fmt.Errorf("failed to add %s: %w", fk.name, err)
		}
	}
	return nil
}

// AutoMigrate creates the schema on any gorm dialect. Shared with the sqlite
// test databases.
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.DocInfo{},
		&types.SegmentInfo{},
		&types.DocPageInfo{},
		&types.PermissionDocLink{},
		&types.ChatSession{},
		&types.ChatMessage{},
	)
}

func (s *MySQLService) DB() *gorm.DB {
	return s.db
}

func (s *MySQLService) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
