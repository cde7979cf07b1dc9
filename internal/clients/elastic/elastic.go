package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

// Record is one indexable segment's lexical representation.
type Record struct {
	SegID      string `json:"seg_id"`
	DocID      string `json:"doc_id"`
	SegType    string `json:"seg_type"`
	SegContent string `json:"seg_content"`
	PageIdx    int    `json:"seg_page_idx"`
}

// Hit is a BM25 match before hydration from the metadata store.
type Hit struct {
	SegID string
	Score float64
}

// Store is the lexical retrieval side of the index. The embedded bleve
// provider implements this same interface for single-binary deployments.
type Store interface {
	EnsureIndex(ctx context.Context) error
	Index(ctx context.Context, records []Record) error
	Search(ctx context.Context, query string, k int, allowedDocIDs []string) ([]Hit, error)
	DeleteByDoc(ctx context.Context, docID string) error
	DeleteBySegIDs(ctx context.Context, segIDs []string) error
	Ping(ctx context.Context) error
}

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
	Timeout  time.Duration
}

type store struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func New(log *logger.Logger, cfg Config) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("missing Elasticsearch URL")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if strings.TrimSpace(cfg.Index) == "" {
		cfg.Index = "rag_segments"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &store{
		log:  log.With("client", "ElasticStore", "index", cfg.Index),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// indexBody is the index definition: ik_max_word so CJK text is split into
// real terms, lowercase+asciifolding so Latin fragments match regardless of
// case and accents.
var indexBody = map[string]any{
	"settings": map[string]any{
		"analysis": map[string]any{
			"analyzer": map[string]any{
				"default": map[string]any{
					"type":      "custom",
					"tokenizer": "ik_max_word",
					"filter":    []string{"lowercase", "asciifolding"},
				},
			},
		},
	},
	"mappings": map[string]any{
		"properties": map[string]any{
			"seg_id":       map[string]any{"type": "keyword"},
			"doc_id":       map[string]any{"type": "keyword"},
			"seg_type":     map[string]any{"type": "keyword"},
			"seg_page_idx": map[string]any{"type": "integer"},
			"seg_content": map[string]any{
				"type":            "text",
				"analyzer":        "ik_max_word",
				"search_analyzer": "ik_max_word",
			},
		},
	},
}

func (s *store) EnsureIndex(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)

	code, _, err := s.doRaw(ctx, http.MethodHead, "/"+s.cfg.Index, nil, "")
	if err != nil {
		return fmt.Errorf("elastic head index: %w", err)
	}
	if code == http.StatusOK {
		return nil
	}
	if code != http.StatusNotFound {
		return fmt.Errorf("elastic head index http %d", code)
	}

	if _, err := doJSON[map[string]any](s, ctx, http.MethodPut, "/"+s.cfg.Index, indexBody); err != nil {
		return fmt.Errorf("elastic create index: %w", err)
	}
	s.log.Info("Created lexical index")
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Index bulk-writes records with _id = seg_id, so re-running a vectorize
// stage overwrites instead of duplicating.
func (s *store) Index(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx = ctxutil.Default(ctx)

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range records {
		if err := enc.Encode(map[string]any{
			"index": map[string]any{"_index": s.cfg.Index, "_id": r.SegID},
		}); err != nil {
			return err
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}

	code, raw, err := s.doRaw(ctx, http.MethodPost, "/_bulk", body.Bytes(), "application/x-ndjson")
	if err != nil {
		return fmt.Errorf("elastic bulk: %w", err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("elastic bulk http %d: %s", code, clip(raw, 512))
	}

	var resp bulkResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("elastic bulk decode: %w", err)
	}
	if resp.Errors {
		for _, item := range resp.Items {
			for _, action := range item {
				if action.Error != nil {
					return fmt.Errorf("elastic bulk item failed (%s): %s", action.Error.Type, action.Error.Reason)
				}
			}
		}
		return fmt.Errorf("elastic bulk reported errors")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID    string  `json:"_id"`
			Score float64 `json:"_score"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs the four-clause BM25 query: exact phrase and exact term carry
// the most weight, an OR match with fuzziness widens recall, an AND match
// rewards queries whose words all appear.
func (s *store) Search(ctx context.Context, query string, k int, allowedDocIDs []string) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return []Hit{}, nil
	}
	ctx = ctxutil.Default(ctx)

	boolQuery := map[string]any{
		"should": []map[string]any{
			{"match_phrase": map[string]any{
				"seg_content": map[string]any{"query": query, "boost": 3.0},
			}},
			{"term": map[string]any{
				"seg_content": map[string]any{"value": query, "boost": 2.5},
			}},
			{"match": map[string]any{
				"seg_content": map[string]any{"query": query, "operator": "or", "boost": 1.0, "fuzziness": "AUTO"},
			}},
			{"match": map[string]any{
				"seg_content": map[string]any{"query": query, "operator": "and", "boost": 2.0},
			}},
		},
		"minimum_should_match": 1,
	}
	if len(allowedDocIDs) > 0 {
		boolQuery["filter"] = []map[string]any{
			{"terms": map[string]any{"doc_id": allowedDocIDs}},
		}
	}

	body := map[string]any{
		"query":   map[string]any{"bool": boolQuery},
		"size":    k,
		"_source": false,
	}

	resp, err := doJSON[searchResponse](s, ctx, http.MethodPost, "/"+s.cfg.Index+"/_search", body)
	if err != nil {
		return nil, fmt.Errorf("elastic search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hits = append(hits, Hit{SegID: h.ID, Score: h.Score})
	}
	return hits, nil
}

type deleteByQueryResponse struct {
	Deleted int `json:"deleted"`
}

func (s *store) DeleteByDoc(ctx context.Context, docID string) error {
	if strings.TrimSpace(docID) == "" {
		return fmt.Errorf("docID required")
	}
	ctx = ctxutil.Default(ctx)

	body := map[string]any{
		"query": map[string]any{"term": map[string]any{"doc_id": docID}},
	}
	path := "/" + s.cfg.Index + "/_delete_by_query?refresh=true&conflicts=proceed"
	if _, err := doJSON[deleteByQueryResponse](s, ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("elastic delete doc %s: %w", docID, err)
	}
	return nil
}

func (s *store) DeleteBySegIDs(ctx context.Context, segIDs []string) error {
	if len(segIDs) == 0 {
		return nil
	}
	ctx = ctxutil.Default(ctx)

	body := map[string]any{
		"query": map[string]any{"terms": map[string]any{"seg_id": segIDs}},
	}
	path := "/" + s.cfg.Index + "/_delete_by_query?refresh=true&conflicts=proceed"
	if _, err := doJSON[deleteByQueryResponse](s, ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("elastic delete %d segments: %w", len(segIDs), err)
	}
	return nil
}

func (s *store) Ping(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	code, _, err := s.doRaw(ctx, http.MethodGet, "/", nil, "")
	if err != nil {
		return fmt.Errorf("elastic ping: %w", err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("elastic ping http %d", code)
	}
	return nil
}

// -------------------- helpers --------------------

func (s *store) doRaw(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

func doJSON[T any](s *store, ctx context.Context, method, path string, body any) (*T, error) {
	var buf []byte
	if body != nil {
		var err error
		buf, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	code, raw, err := s.doRaw(ctx, method, path, buf, "application/json")
	if err != nil {
		return nil, err
	}
	if code < 200 || code >= 300 {
		return nil, fmt.Errorf("elastic http %d: %s", code, clip(raw, 512))
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("elastic decode error: %w; raw=%s", err, clip(raw, 512))
	}
	return &out, nil
}

func clip(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
