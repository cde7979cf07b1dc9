package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/repos"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// Reasons attached to an empty retrieval so callers can tell "nothing
// matched" apart from "nothing was allowed".
const (
	ReasonNoPermittedDocs = "no-permitted-documents"
	ReasonNoMatches       = "no-matches"
)

// Config tunes the hybrid search funnel: candidate_k rows per store,
// rerank_k survivors into the reranker, top_k out.
type Config struct {
	// Alpha weights the dense side of fusion; the lexical side gets 1-Alpha.
	Alpha      float64
	CandidateK int
	RerankK    int
	TopK       int
	// RerankCliff cuts the result at the largest drop between adjacent
	// rerank scores instead of always returning top_k.
	RerankCliff bool
	// SearchTimeout bounds each sub-search. A side that misses the deadline
	// contributes nothing and the retrieval is marked partial.
	SearchTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.6
	}
	if c.CandidateK <= 0 {
		c.CandidateK = 50
	}
	if c.RerankK <= 0 {
		c.RerankK = 10
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 15 * time.Second
	}
}

// Source is one retrieved segment, hydrated and scored. The field set is
// what rag_chat responses expose under "sources".
type Source struct {
	DocID       string  `json:"doc_id"`
	SegID       string  `json:"seg_id"`
	SegPageIdx  int     `json:"seg_page_idx"`
	RerankScore float64 `json:"rerank_score"`
	FusedScore  float64 `json:"fused_score"`
	Content     string  `json:"content"`
	DocName     string  `json:"doc_name"`
	DocHTTPURL  string  `json:"doc_http_url,omitempty"`
	PagePNGPath string  `json:"page_png_path,omitempty"`
}

// Retrieval is the outcome of one hybrid search. Partial means one side of
// the search was unavailable and the other carried the result alone.
type Retrieval struct {
	Sources []Source
	Reason  string
	Partial bool
}

// Retriever runs permission-filtered hybrid retrieval over the dense and
// lexical stores and reranks the fused candidates.
type Retriever interface {
	Retrieve(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*Retrieval, error)
}

type retriever struct {
	log     *logger.Logger
	cfg     Config
	docs    repos.DocInfoRepo
	perms   repos.PermissionRepo
	segs    repos.SegmentRepo
	gateway modelgateway.Gateway
	vectors milvus.Store
	lexical elastic.Store
}

func New(
	log *logger.Logger,
	cfg Config,
	docs repos.DocInfoRepo,
	perms repos.PermissionRepo,
	segs repos.SegmentRepo,
	gateway modelgateway.Gateway,
	vectors milvus.Store,
	lexical elastic.Store,
) (Retriever, error) {
	if log == nil {
		return nil, fmt.Errorf("retrieval: logger is required")
	}
	if docs == nil || perms == nil || segs == nil {
		return nil, fmt.Errorf("retrieval: repos are required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("retrieval: model gateway is required")
	}
	if vectors == nil || lexical == nil {
		return nil, fmt.Errorf("retrieval: vector and lexical stores are required")
	}
	cfg.normalize()
	log = log.With("service", "Retriever")
	if cfg.RerankK < cfg.TopK {
		log.Warn("rerank_k below top_k, clamping up", "rerank_k", cfg.RerankK, "top_k", cfg.TopK)
		cfg.RerankK = cfg.TopK
	}
	if cfg.CandidateK < cfg.RerankK {
		log.Warn("candidate_k below rerank_k, clamping up", "candidate_k", cfg.CandidateK, "rerank_k", cfg.RerankK)
		cfg.CandidateK = cfg.RerankK
	}
	return &retriever{
		log:     log,
		cfg:     cfg,
		docs:    docs,
		perms:   perms,
		segs:    segs,
		gateway: gateway,
		vectors: vectors,
		lexical: lexical,
	}, nil
}

func (r *retriever) Retrieve(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*Retrieval, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, svcerr.New(svcerr.CodeParamError, "query is required")
	}
	k := topK
	if k <= 0 {
		k = r.cfg.TopK
	}
	rerankK := r.cfg.RerankK
	if rerankK < k {
		r.log.Warn("requested top_k above rerank_k, clamping rerank_k up", "top_k", k, "rerank_k", rerankK)
		rerankK = k
	}
	candidateK := r.cfg.CandidateK
	if candidateK < rerankK {
		candidateK = rerankK
	}

	allowed, err := r.allowedDocIDs(ctx, permissionType, subjectIDs)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		r.log.Info("No permitted documents for subjects", "permission_type", permissionType, "subjects", len(subjectIDs))
		return &Retrieval{Sources: []Source{}, Reason: ReasonNoPermittedDocs}, nil
	}

	var (
		denseHits []milvus.Hit
		lexHits   []elastic.Hit
		denseErr  error
		lexErr    error
	)
	var g errgroup.Group
	g.Go(func() error {
		denseHits, denseErr = r.searchDense(ctx, query, candidateK, allowed)
		return nil
	})
	g.Go(func() error {
		lexHits, lexErr = r.searchLexical(ctx, query, candidateK, allowed)
		return nil
	})
	_ = g.Wait()
	if denseErr != nil && lexErr != nil {
		return nil, fmt.Errorf("hybrid search failed: dense: %v; lexical: %v", denseErr, lexErr)
	}
	partial := false
	if denseErr != nil {
		r.log.Warn("Dense search unavailable, continuing lexical-only", "error", denseErr)
		partial = true
	}
	if lexErr != nil {
		r.log.Warn("Lexical search unavailable, continuing dense-only", "error", lexErr)
		partial = true
	}

	cands := fuse(denseHits, lexHits, r.cfg.Alpha)
	if len(cands) == 0 {
		return &Retrieval{Sources: []Source{}, Reason: ReasonNoMatches, Partial: partial}, nil
	}
	if len(cands) > rerankK {
		cands = cands[:rerankK]
	}

	sources, err := r.hydrate(ctx, cands)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return &Retrieval{Sources: []Source{}, Reason: ReasonNoMatches, Partial: partial}, nil
	}

	sources, reranked := r.rerank(ctx, query, sources)
	if !reranked {
		partial = true
	}
	if reranked && r.cfg.RerankCliff {
		sources = cliffCut(sources)
	}
	if len(sources) > k {
		sources = sources[:k]
	}
	return &Retrieval{Sources: sources, Partial: partial}, nil
}

// allowedDocIDs intersects the subjects' permission grants with documents
// whose indexes are fully built.
func (r *retriever) allowedDocIDs(ctx context.Context, permissionType string, subjectIDs []string) ([]string, error) {
	authorized, err := r.perms.AuthorizedDocIDs(ctx, nil, permissionType, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("authorized doc ids: %w", err)
	}
	if len(authorized) == 0 {
		return nil, nil
	}
	ready, err := r.docs.FilterReady(ctx, nil, authorized)
	if err != nil {
		return nil, fmt.Errorf("filter ready docs: %w", err)
	}
	return ready, nil
}

func (r *retriever) searchDense(ctx context.Context, query string, k int, allowed []string) ([]milvus.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()
	vectors, err := r.gateway.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: empty response")
	}
	hits, err := r.vectors.Search(ctx, vectors[0], k, allowed)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	return hits, nil
}

func (r *retriever) searchLexical(ctx context.Context, query string, k int, allowed []string) ([]elastic.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()
	hits, err := r.lexical.Search(ctx, query, k, allowed)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return hits, nil
}

// hydrate loads segment contents for the fused candidates, preserving fused
// order. Candidates whose rows vanished from MySQL (index lagging a delete)
// are dropped.
func (r *retriever) hydrate(ctx context.Context, cands []candidate) ([]Source, error) {
	segIDs := make([]string, len(cands))
	for i, c := range cands {
		segIDs[i] = c.segID
	}
	rows, err := r.segs.GetContents(ctx, nil, segIDs)
	if err != nil {
		return nil, fmt.Errorf("hydrate segments: %w", err)
	}
	byID := make(map[string]*types.SegmentContent, len(rows))
	for _, row := range rows {
		byID[row.SegID] = row
	}
	sources := make([]Source, 0, len(cands))
	for _, c := range cands {
		row, ok := byID[c.segID]
		if !ok {
			r.log.Debug("Skipping stale index hit", "seg_id", c.segID)
			continue
		}
		sources = append(sources, Source{
			DocID:       row.DocID,
			SegID:       row.SegID,
			SegPageIdx:  row.SegPageIdx,
			FusedScore:  c.fused,
			Content:     row.SegContent,
			DocName:     row.DocName,
			DocHTTPURL:  row.DocHTTPURL,
			PagePNGPath: row.PagePNGPath,
		})
	}
	return sources, nil
}

// rerank scores sources against the query and reorders them. On gateway
// failure the fused order stands and the retrieval is marked partial.
func (r *retriever) rerank(ctx context.Context, query string, sources []Source) ([]Source, bool) {
	passages := make([]string, len(sources))
	for i, s := range sources {
		passages[i] = s.Content
	}
	scores, err := r.gateway.Rerank(ctx, query, passages)
	if err != nil {
		r.log.Warn("Rerank unavailable, keeping fused order", "error", err)
		return sources, false
	}
	if len(scores) != len(sources) {
		r.log.Warn("Rerank returned mismatched score count, keeping fused order", "want", len(sources), "got", len(scores))
		return sources, false
	}
	for i := range sources {
		sources[i].RerankScore = scores[i]
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].RerankScore > sources[j].RerankScore
	})
	return sources, true
}

type candidate struct {
	segID string
	dense float64
	lex   float64
	fused float64
}

// fuse merges the two hit lists into one ranking. Scores are min-max
// normalized per side over the whole candidate pool, where a segment absent
// from a side contributes a raw 0 to it, then combined as
// alpha*dense + (1-alpha)*lex. Ties fall back to the raw dense score.
func fuse(dense []milvus.Hit, lex []elastic.Hit, alpha float64) []candidate {
	index := make(map[string]int, len(dense)+len(lex))
	cands := make([]candidate, 0, len(dense)+len(lex))
	for _, h := range dense {
		if i, ok := index[h.SegID]; ok {
			if h.Score > cands[i].dense {
				cands[i].dense = h.Score
			}
			continue
		}
		index[h.SegID] = len(cands)
		cands = append(cands, candidate{segID: h.SegID, dense: h.Score})
	}
	for _, h := range lex {
		if i, ok := index[h.SegID]; ok {
			if h.Score > cands[i].lex {
				cands[i].lex = h.Score
			}
			continue
		}
		index[h.SegID] = len(cands)
		cands = append(cands, candidate{segID: h.SegID, lex: h.Score})
	}
	if len(cands) == 0 {
		return nil
	}
	denseCol := make([]float64, len(cands))
	lexCol := make([]float64, len(cands))
	for i, c := range cands {
		denseCol[i] = c.dense
		lexCol[i] = c.lex
	}
	denseNorm := normalizeScores(denseCol)
	lexNorm := normalizeScores(lexCol)
	for i := range cands {
		cands[i].fused = alpha*denseNorm[i] + (1-alpha)*lexNorm[i]
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].fused != cands[j].fused {
			return cands[i].fused > cands[j].fused
		}
		if cands[i].dense != cands[j].dense {
			return cands[i].dense > cands[j].dense
		}
		return cands[i].segID < cands[j].segID
	})
	return cands
}

// normalizeScores maps scores onto [0,1] by min-max. A single score passes
// through untouched; a spread too small to matter flattens to all zeros.
func normalizeScores(scores []float64) []float64 {
	if len(scores) <= 1 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi-lo > 1e-5 {
		for i, s := range scores {
			out[i] = (s - lo) / (hi - lo)
		}
	}
	return out
}

// cliffCut truncates sorted sources at the largest drop between adjacent
// rerank scores, keeping everything before the cliff.
func cliffCut(sources []Source) []Source {
	if len(sources) <= 1 {
		return sources
	}
	cliff := 1
	best := sources[1].RerankScore - sources[0].RerankScore
	for i := 1; i < len(sources)-1; i++ {
		d := sources[i+1].RerankScore - sources[i].RerankScore
		if d < best {
			best = d
			cliff = i + 1
		}
	}
	return sources[:cliff]
}
