package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// HistoryCache is a read-through cache in front of the chat message table.
// It is strictly best-effort: every miss or redis error falls back to SQL,
// so the orchestrator treats a nil or failing cache the same way.
type HistoryCache interface {
	Get(ctx context.Context, sessionID string) ([]types.ChatMessage, bool)
	Set(ctx context.Context, sessionID string, msgs []types.ChatMessage)
	Invalidate(ctx context.Context, sessionID string)
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type historyCache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func New(log *logger.Logger, cfg Config) (HistoryCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &historyCache{
		log: log.With("client", "HistoryCache"),
		rdb: rdb,
		ttl: cfg.TTL,
	}, nil
}

func historyKey(sessionID string) string {
	return "rag:history:" + sessionID
}

func (c *historyCache) Get(ctx context.Context, sessionID string) ([]types.ChatMessage, bool) {
	raw, err := c.rdb.Get(ctx, historyKey(sessionID)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("History cache read failed", "sessionID", sessionID, "error", err)
		}
		return nil, false
	}
	var msgs []types.ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.log.Warn("History cache entry corrupt, dropping", "sessionID", sessionID, "error", err)
		c.Invalidate(ctx, sessionID)
		return nil, false
	}
	return msgs, true
}

func (c *historyCache) Set(ctx context.Context, sessionID string, msgs []types.ChatMessage) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		c.log.Warn("History cache encode failed", "sessionID", sessionID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, historyKey(sessionID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("History cache write failed", "sessionID", sessionID, "error", err)
	}
}

func (c *historyCache) Invalidate(ctx context.Context, sessionID string) {
	if err := c.rdb.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		c.log.Warn("History cache invalidate failed", "sessionID", sessionID, "error", err)
	}
}

func (c *historyCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *historyCache) Close() error {
	return c.rdb.Close()
}
