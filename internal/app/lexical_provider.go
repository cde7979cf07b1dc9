package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/yungbote/ragmind-backend/internal/clients/blevestore"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

// LexicalProvider names the BM25 backend. Elasticsearch is the production
// default; bleve embeds the index in-process for single-binary deployments
// and local development.
type LexicalProvider string

const (
	LexicalProviderElastic LexicalProvider = "elastic"
	LexicalProviderBleve   LexicalProvider = "bleve"
)

func resolveLexicalProvider(raw string) (LexicalProvider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(LexicalProviderElastic), "elasticsearch", "es":
		return LexicalProviderElastic, nil
	case string(LexicalProviderBleve):
		return LexicalProviderBleve, nil
	default:
		return "", fmt.Errorf("unsupported LEXICAL_PROVIDER %q (want elastic or bleve)", raw)
	}
}

// buildLexicalStore constructs the configured provider. The returned closer
// is non-nil only for providers that hold local resources; elastic talks
// plain HTTP and has nothing to release.
func buildLexicalStore(log *logger.Logger, cfg LexicalConfig) (elastic.Store, io.Closer, error) {
	provider, err := resolveLexicalProvider(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	switch provider {
	case LexicalProviderBleve:
		p, err := blevestore.New(log, blevestore.Config{Path: cfg.BlevePath})
		if err != nil {
			return nil, nil, fmt.Errorf("init bleve store: %w", err)
		}
		return p, p, nil
	default:
		s, err := elastic.New(log, cfg.Elastic)
		if err != nil {
			return nil, nil, fmt.Errorf("init elastic store: %w", err)
		}
		return s, nil, nil
	}
}
