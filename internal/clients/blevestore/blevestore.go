package blevestore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

const deletePageSize = 1000

type Config struct {
	// Path is the on-disk index directory. Empty runs the index in memory,
	// which loses the lexical side on restart (a reindex rebuilds it).
	Path string
}

// Provider is the embedded lexical store for single-binary deployments.
// It implements elastic.Store so the retrieval service cannot tell the
// providers apart.
type Provider struct {
	log  *logger.Logger
	path string
	idx  bleve.Index
}

func New(log *logger.Logger, cfg Config) (*Provider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	mapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	content := bleve.NewTextFieldMapping()
	content.Analyzer = cjk.AnalyzerName
	content.Store = false
	docMapping.AddFieldMappingsAt("seg_content", content)

	docID := bleve.NewKeywordFieldMapping()
	docID.Store = false
	docMapping.AddFieldMappingsAt("doc_id", docID)

	segType := bleve.NewKeywordFieldMapping()
	segType.Store = false
	docMapping.AddFieldMappingsAt("seg_type", segType)

	pageIdx := bleve.NewNumericFieldMapping()
	pageIdx.Store = false
	docMapping.AddFieldMappingsAt("seg_page_idx", pageIdx)

	mapping.DefaultMapping = docMapping

	var (
		idx bleve.Index
		err error
	)
	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(mapping)
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			idx, err = bleve.New(path, mapping)
		} else {
			idx, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bleve open %q: %w", path, err)
	}

	return &Provider{
		log:  log.With("client", "BleveStore", "path", path),
		path: path,
		idx:  idx,
	}, nil
}

// EnsureIndex exists for interface parity; the index is created in New.
func (p *Provider) EnsureIndex(ctx context.Context) error {
	return nil
}

func (p *Provider) Index(ctx context.Context, records []elastic.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := p.idx.NewBatch()
	for _, r := range records {
		err := batch.Index(r.SegID, map[string]any{
			"seg_id":       r.SegID,
			"doc_id":       r.DocID,
			"seg_type":     r.SegType,
			"seg_content":  r.SegContent,
			"seg_page_idx": r.PageIdx,
		})
		if err != nil {
			return fmt.Errorf("bleve batch index %s: %w", r.SegID, err)
		}
	}
	if err := p.idx.Batch(batch); err != nil {
		return fmt.Errorf("bleve batch %d records: %w", len(records), err)
	}
	return nil
}

// Search mirrors the Elasticsearch provider's weighted clauses: exact phrase
// is worth the most, an all-words match rewards precision, a fuzzy any-word
// match keeps recall. The ES exact-term clause has no analogue against
// bleve's analyzed field, so it is dropped here.
func (p *Provider) Search(ctx context.Context, q string, k int, allowedDocIDs []string) ([]elastic.Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" || k <= 0 {
		return []elastic.Hit{}, nil
	}

	phrase := bleve.NewMatchPhraseQuery(q)
	phrase.SetField("seg_content")
	phrase.SetBoost(3.0)

	fuzzyAny := bleve.NewMatchQuery(q)
	fuzzyAny.SetField("seg_content")
	fuzzyAny.SetOperator(query.MatchQueryOperatorOr)
	fuzzyAny.SetFuzziness(1)
	fuzzyAny.SetBoost(1.0)

	allWords := bleve.NewMatchQuery(q)
	allWords.SetField("seg_content")
	allWords.SetOperator(query.MatchQueryOperatorAnd)
	allWords.SetBoost(2.0)

	var final query.Query = bleve.NewDisjunctionQuery(phrase, fuzzyAny, allWords)
	if len(allowedDocIDs) > 0 {
		final = bleve.NewConjunctionQuery(final, docFilter(allowedDocIDs))
	}

	req := bleve.NewSearchRequestOptions(final, k, 0, false)
	res, err := p.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	hits := make([]elastic.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, elastic.Hit{SegID: h.ID, Score: h.Score})
	}
	return hits, nil
}

func (p *Provider) DeleteByDoc(ctx context.Context, docID string) error {
	if strings.TrimSpace(docID) == "" {
		return fmt.Errorf("docID required")
	}
	term := bleve.NewTermQuery(docID)
	term.SetField("doc_id")

	for {
		req := bleve.NewSearchRequestOptions(term, deletePageSize, 0, false)
		res, err := p.idx.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("bleve delete search: %w", err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := p.idx.NewBatch()
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
		if err := p.idx.Batch(batch); err != nil {
			return fmt.Errorf("bleve delete batch: %w", err)
		}
	}
}

func (p *Provider) DeleteBySegIDs(ctx context.Context, segIDs []string) error {
	if len(segIDs) == 0 {
		return nil
	}
	batch := p.idx.NewBatch()
	for _, id := range segIDs {
		batch.Delete(id)
	}
	if err := p.idx.Batch(batch); err != nil {
		return fmt.Errorf("bleve delete %d segments: %w", len(segIDs), err)
	}
	return nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.idx.DocCount(); err != nil {
		return fmt.Errorf("bleve ping: %w", err)
	}
	return nil
}

func (p *Provider) Close() error {
	return p.idx.Close()
}

func docFilter(docIDs []string) query.Query {
	terms := make([]query.Query, 0, len(docIDs))
	for _, id := range docIDs {
		t := bleve.NewTermQuery(id)
		t.SetField("doc_id")
		terms = append(terms, t)
	}
	return bleve.NewDisjunctionQuery(terms...)
}
