package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/yungbote/ragmind-backend/internal/clients/bucket"
	"github.com/yungbote/ragmind-backend/internal/clients/convert"
	"github.com/yungbote/ragmind-backend/internal/clients/docparse"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/clients/redis"
	"github.com/yungbote/ragmind-backend/internal/clients/statussync"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

type Clients struct {
	Gateway   modelgateway.Gateway
	Vectors   milvus.Store
	Lexical   elastic.Store
	Converter convert.Converter
	Parser    docparse.Parser
	Notifier  statussync.Notifier
	Cache     redis.HistoryCache
	Publisher bucket.Publisher

	// lexicalCloser releases the bleve index; nil for elastic.
	lexicalCloser io.Closer
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	gateway, err := modelgateway.New(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init model gateway: %w", err)
	}

	vectors, err := milvus.New(ctx, log, cfg.Milvus)
	if err != nil {
		return Clients{}, fmt.Errorf("init milvus store: %w", err)
	}
	if err := vectors.EnsureCollection(ctx); err != nil {
		_ = vectors.Close(ctx)
		return Clients{}, fmt.Errorf("ensure milvus collection: %w", err)
	}

	lexical, lexicalCloser, err := buildLexicalStore(log, cfg.Lexical)
	if err != nil {
		_ = vectors.Close(ctx)
		return Clients{}, err
	}
	if err := lexical.EnsureIndex(ctx); err != nil {
		closePartial(ctx, lexicalCloser, vectors)
		return Clients{}, fmt.Errorf("ensure lexical index: %w", err)
	}

	converter, err := convert.New(log, cfg.Convert)
	if err != nil {
		closePartial(ctx, lexicalCloser, vectors)
		return Clients{}, fmt.Errorf("init converter client: %w", err)
	}
	parser, err := docparse.New(log, cfg.Parse)
	if err != nil {
		closePartial(ctx, lexicalCloser, vectors)
		return Clients{}, fmt.Errorf("init parser client: %w", err)
	}

	notifier, err := statussync.New(log, cfg.Status)
	if err != nil {
		closePartial(ctx, lexicalCloser, vectors)
		return Clients{}, fmt.Errorf("init status sync: %w", err)
	}

	// Redis
	var cache redis.HistoryCache
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		cache, err = redis.New(log, cfg.Redis)
		if err != nil {
			notifier.Close()
			closePartial(ctx, lexicalCloser, vectors)
			return Clients{}, fmt.Errorf("init history cache: %w", err)
		}
	}

	// GCS
	var publisher bucket.Publisher
	if strings.TrimSpace(cfg.Bucket.Bucket) != "" {
		publisher, err = bucket.New(log, cfg.Bucket)
		if err != nil {
			if cache != nil {
				_ = cache.Close()
			}
			notifier.Close()
			closePartial(ctx, lexicalCloser, vectors)
			return Clients{}, fmt.Errorf("init artifact bucket: %w", err)
		}
	}

	return Clients{
		Gateway:       gateway,
		Vectors:       vectors,
		Lexical:       lexical,
		Converter:     converter,
		Parser:        parser,
		Notifier:      notifier,
		Cache:         cache,
		Publisher:     publisher,
		lexicalCloser: lexicalCloser,
	}, nil
}

func closePartial(ctx context.Context, lexicalCloser io.Closer, vectors milvus.Store) {
	if lexicalCloser != nil {
		_ = lexicalCloser.Close()
	}
	if vectors != nil {
		_ = vectors.Close(ctx)
	}
}

// Close releases clients in reverse wiring order. The notifier goes first
// so queued status callbacks drain before their transports disappear.
func (c *Clients) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Notifier != nil {
		c.Notifier.Close()
	}
	if c.Publisher != nil {
		_ = c.Publisher.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.lexicalCloser != nil {
		_ = c.lexicalCloser.Close()
	}
	if c.Vectors != nil {
		_ = c.Vectors.Close(ctx)
	}
}
