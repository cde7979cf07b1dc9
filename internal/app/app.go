package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/db"
	"github.com/yungbote/ragmind-backend/internal/http"
	"github.com/yungbote/ragmind-backend/internal/observability"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

// wireTimeout bounds startup work against external stores (milvus connect,
// collection and index creation).
const wireTimeout = 30 * time.Second

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Router   *gin.Engine
	Clients  Clients
	Repos    Repos
	Services Services

	sql      *db.MySQLService
	server   *http.Server
	otelStop func(context.Context) error
	cancel   context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	wireCtx, cancelWire := context.WithTimeout(context.Background(), wireTimeout)
	defer cancelWire()

	otelStop := observability.InitOTel(wireCtx, log, observability.OtelConfig{
		ServiceName: "ragmind-backend",
		Environment: logMode,
	})

	sql, err := db.NewMySQLService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init mysql: %w", err)
	}
	if err := sql.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("mysql automigrate: %w", err)
	}
	theDB := sql.DB()

	clientset, err := wireClients(wireCtx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, clientset)
	if err != nil {
		clientset.Close(wireCtx)
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, sql, clientset, reposet, serviceset)

	// Without a bucket the processing artifacts stay on disk and /static
	// serves them, so page render URLs keep working.
	staticRoot := ""
	if clientset.Publisher == nil {
		staticRoot = cfg.DataRoot
	}
	router := wireRouter(log, handlerset, staticRoot)

	return &App{
		Log:      log,
		Cfg:      cfg,
		DB:       theDB,
		Router:   router,
		Clients:  clientset,
		Repos:    reposet,
		Services: serviceset,
		sql:      sql,
		server:   http.NewServer(log, ":"+cfg.Port, router),
		otelStop: otelStop,
	}, nil
}

// Start launches the ingestion workers. Run still has to be called to serve
// HTTP; keeping the two separate lets tests drive the pipeline alone.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Pipeline != nil {
		a.Services.Pipeline.Start(ctx)
	}
}

// Run serves HTTP until Close shuts the listener down.
func (a *App) Run() error {
	if a == nil || a.server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.server.Start()
}

// Close unwinds in reverse startup order: stop accepting requests, stop the
// workers, drain status callbacks, then release stores and flush logs.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.Log.Warn("http shutdown", "error", err)
		}
	}
	if a.Services.Pipeline != nil {
		a.Services.Pipeline.Close()
	}
	a.Clients.Close(ctx)
	if a.otelStop != nil {
		if err := a.otelStop(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
