package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/redis"
	"github.com/yungbote/ragmind-backend/internal/http/response"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
)

// sqlPinger is the slice of the MySQL service the health check needs.
type sqlPinger interface {
	Ping() error
}

type HealthHandler struct {
	sql     sqlPinger
	vectors milvus.Store
	lexical elastic.Store
	cache   redis.HistoryCache // nil when the cache is disabled
}

func NewHealthHandler(sql sqlPinger, vectors milvus.Store, lexical elastic.Store, cache redis.HistoryCache) *HealthHandler {
	return &HealthHandler{sql: sql, vectors: vectors, lexical: lexical, cache: cache}
}

const healthPingTimeout = 2 * time.Second

// GET /health
//
// Pings every hard dependency with a short budget. All up returns 200;
// any failure returns 503 with the per-dependency detail so an operator
// sees what broke without grepping logs.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	deps := gin.H{}
	healthy := true

	record := func(name string, err error) {
		if err != nil {
			deps[name] = "down: " + err.Error()
			healthy = false
			return
		}
		deps[name] = "up"
	}

	if h.sql != nil {
		record("mysql", h.sql.Ping())
	}
	if h.vectors != nil {
		record("milvus", h.vectors.Ping(ctx))
	}
	if h.lexical != nil {
		record("lexical", h.lexical.Ping(ctx))
	}
	if h.cache != nil {
		record("redis", h.cache.Ping(ctx))
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, response.Envelope{
			Code:    svcerr.CodeStoreConnectionFail,
			Message: "degraded",
			Data:    gin.H{"status": "degraded", "dependencies": deps},
		})
		return
	}
	response.RespondOK(c, gin.H{"status": "ok", "dependencies": deps})
}
