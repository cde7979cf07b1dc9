package app

import (
	"testing"

	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

func TestResolveLexicalProviderDefaultsToElastic(t *testing.T) {
	for _, raw := range []string{"", "elastic", "Elasticsearch", "ES"} {
		p, err := resolveLexicalProvider(raw)
		if err != nil {
			t.Fatalf("resolveLexicalProvider(%q): %v", raw, err)
		}
		if p != LexicalProviderElastic {
			t.Fatalf("provider for %q: want=%q got=%q", raw, LexicalProviderElastic, p)
		}
	}
}

func TestResolveLexicalProviderBleve(t *testing.T) {
	p, err := resolveLexicalProvider(" bleve ")
	if err != nil {
		t.Fatalf("resolveLexicalProvider: %v", err)
	}
	if p != LexicalProviderBleve {
		t.Fatalf("provider: want=%q got=%q", LexicalProviderBleve, p)
	}
}

func TestResolveLexicalProviderRejectsUnknown(t *testing.T) {
	if _, err := resolveLexicalProvider("solr"); err == nil {
		t.Fatalf("resolveLexicalProvider: expected error, got nil")
	}
}

func TestBuildLexicalStoreBleveInMemory(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	store, closer, err := buildLexicalStore(log, LexicalConfig{Provider: "bleve"})
	if err != nil {
		t.Fatalf("buildLexicalStore: %v", err)
	}
	if store == nil {
		t.Fatalf("expected a lexical store")
	}
	if closer == nil {
		t.Fatalf("bleve store should expose a closer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close bleve store: %v", err)
	}
}

func TestBuildLexicalStoreElasticHasNoCloser(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	store, closer, err := buildLexicalStore(log, LexicalConfig{
		Provider: "elastic",
		Elastic:  elastic.Config{URL: "http://localhost:9200"},
	})
	if err != nil {
		t.Fatalf("buildLexicalStore: %v", err)
	}
	if store == nil {
		t.Fatalf("expected a lexical store")
	}
	if closer != nil {
		t.Fatalf("elastic store should not expose a closer")
	}
}
