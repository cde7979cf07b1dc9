package retrieval

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/db"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/repos"
	"github.com/yungbote/ragmind-backend/internal/types"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

type stubGateway struct {
	mu          sync.Mutex
	embed       func(ctx context.Context, texts []string) ([][]float32, error)
	rerank      func(ctx context.Context, query string, docs []string) ([]float64, error)
	rerankCalls [][]string
}

func (g *stubGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embed != nil {
		return g.embed(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return out, nil
}

func (g *stubGateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	g.mu.Lock()
	g.rerankCalls = append(g.rerankCalls, append([]string(nil), docs...))
	g.mu.Unlock()
	if g.rerank != nil {
		return g.rerank(ctx, query, docs)
	}
	return nil, errors.New("rerank not scripted")
}

func (g *stubGateway) Generate(ctx context.Context, messages []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
	return "", modelgateway.TokenUsage{}, errors.New("generate not scripted")
}

func (g *stubGateway) StreamGenerate(ctx context.Context, messages []modelgateway.Message, opts modelgateway.GenerateOptions, onDelta func(string)) (string, modelgateway.TokenUsage, error) {
	return "", modelgateway.TokenUsage{}, errors.New("stream not scripted")
}

type stubVectors struct {
	mu          sync.Mutex
	hits        []milvus.Hit
	err         error
	calls       int
	lastK       int
	lastAllowed []string
}

func (s *stubVectors) EnsureCollection(ctx context.Context) error { return nil }

func (s *stubVectors) Upsert(ctx context.Context, records []milvus.Record) error { return nil }

func (s *stubVectors) Search(ctx context.Context, vector []float32, k int, allowedDocIDs []string) ([]milvus.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastK = k
	s.lastAllowed = append([]string(nil), allowedDocIDs...)
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubVectors) DeleteByDoc(ctx context.Context, docID string) error { return nil }

func (s *stubVectors) DeleteBySegIDs(ctx context.Context, segIDs []string) error { return nil }

func (s *stubVectors) Ping(ctx context.Context) error { return nil }

func (s *stubVectors) Close(ctx context.Context) error { return nil }

func (s *stubVectors) searchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubVectors) allowed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAllowed
}

func (s *stubVectors) searchK() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastK
}

type stubLexical struct {
	mu          sync.Mutex
	hits        []elastic.Hit
	err         error
	calls       int
	lastK       int
	lastAllowed []string
}

func (s *stubLexical) EnsureIndex(ctx context.Context) error { return nil }

func (s *stubLexical) Index(ctx context.Context, records []elastic.Record) error { return nil }

func (s *stubLexical) Search(ctx context.Context, query string, k int, allowedDocIDs []string) ([]elastic.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastK = k
	s.lastAllowed = append([]string(nil), allowedDocIDs...)
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubLexical) DeleteByDoc(ctx context.Context, docID string) error { return nil }

func (s *stubLexical) DeleteBySegIDs(ctx context.Context, segIDs []string) error { return nil }

func (s *stubLexical) Ping(ctx context.Context) error { return nil }

func (s *stubLexical) searchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubLexical) searchK() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastK
}

type retrieverHarness struct {
	gdb     *gorm.DB
	docs    repos.DocInfoRepo
	perms   repos.PermissionRepo
	segs    repos.SegmentRepo
	gateway *stubGateway
	vectors *stubVectors
	lexical *stubLexical
}

func newRetrieverHarness(t *testing.T, cfg Config) (*retrieverHarness, Retriever) {
	t.Helper()
	log := newTestLogger(t)
	gdb := newTestDB(t)
	h := &retrieverHarness{
		gdb:     gdb,
		docs:    repos.NewDocInfoRepo(gdb, log),
		perms:   repos.NewPermissionRepo(gdb, log),
		segs:    repos.NewSegmentRepo(gdb, log),
		gateway: &stubGateway{},
		vectors: &stubVectors{},
		lexical: &stubLexical{},
	}
	r, err := New(log, cfg, h.docs, h.perms, h.segs, h.gateway, h.vectors, h.lexical)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, r
}

func (h *retrieverHarness) seedDoc(t *testing.T, docID, status string, subjectIDs []string) {
	t.Helper()
	ctx := context.Background()
	doc := &types.DocInfo{
		DocID:         docID,
		DocName:       docID + ".pdf",
		DocExt:        ".pdf",
		DocPath:       "/data/" + docID + ".pdf",
		ProcessStatus: status,
	}
	if err := h.docs.Create(ctx, nil, doc); err != nil {
		t.Fatalf("seed doc %s: %v", docID, err)
	}
	if err := h.perms.ReplaceForDoc(ctx, nil, docID, "dept", subjectIDs); err != nil {
		t.Fatalf("seed permissions %s: %v", docID, err)
	}
}

func (h *retrieverHarness) seedSegment(t *testing.T, docID, segID, content string, page int) {
	t.Helper()
	seg := &types.SegmentInfo{
		SegID:      segID,
		DocID:      docID,
		SegContent: content,
		SegType:    types.SegTypeText,
		SegPageIdx: page,
		SegLen:     len([]rune(content)),
	}
	if err := h.segs.CreateInBatches(context.Background(), nil, []*types.SegmentInfo{seg}); err != nil {
		t.Fatalf("seed segment %s: %v", segID, err)
	}
}

func segIDsOf(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.SegID
	}
	return out
}

func TestRetrieveFusesAcrossStores(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{Alpha: 0.6})
	h.seedDoc(t, "doc-1", types.StatusSplited, []string{"s1"})
	h.seedSegment(t, "doc-1", "seg-a", "阿尔法条款的正文。", 1)
	h.seedSegment(t, "doc-1", "seg-b", "贝塔条款的正文。", 2)
	h.seedSegment(t, "doc-1", "seg-c", "伽马条款的正文。", 3)

	h.vectors.hits = []milvus.Hit{{SegID: "seg-a", Score: 1.0}, {SegID: "seg-b", Score: 0.5}}
	h.lexical.hits = []elastic.Hit{{SegID: "seg-b", Score: 1.0}, {SegID: "seg-c", Score: 0.7}}
	h.gateway.rerank = func(ctx context.Context, query string, docs []string) ([]float64, error) {
		return []float64{0.9, 0.8, 0.7}, nil
	}

	got, err := r.Retrieve(context.Background(), "条款", "dept", []string{"s1"}, 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.Partial {
		t.Fatalf("want full retrieval, got partial")
	}

	wantOrder := []string{"seg-b", "seg-a", "seg-c"}
	gotOrder := segIDsOf(got.Sources)
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("want %d sources, got %d", len(wantOrder), len(gotOrder))
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("want order %v, got %v", wantOrder, gotOrder)
		}
	}

	wantFused := map[string]float64{"seg-b": 0.7, "seg-a": 0.6, "seg-c": 0.28}
	for _, s := range got.Sources {
		if math.Abs(s.FusedScore-wantFused[s.SegID]) > 1e-9 {
			t.Fatalf("fused score of %s: want %v, got %v", s.SegID, wantFused[s.SegID], s.FusedScore)
		}
	}

	if len(h.gateway.rerankCalls) != 1 {
		t.Fatalf("want 1 rerank call, got %d", len(h.gateway.rerankCalls))
	}
	passages := h.gateway.rerankCalls[0]
	if passages[0] != "贝塔条款的正文。" || passages[1] != "阿尔法条款的正文。" {
		t.Fatalf("rerank passages out of fused order: %v", passages)
	}

	top := got.Sources[0]
	if top.DocID != "doc-1" || top.DocName != "doc-1.pdf" || top.SegPageIdx != 2 {
		t.Fatalf("hydration wrong: %+v", top)
	}
	if top.RerankScore != 0.9 {
		t.Fatalf("want rerank score 0.9, got %v", top.RerankScore)
	}
}

func TestRetrieveNoPermittedDocuments(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{})
	h.seedDoc(t, "doc-1", types.StatusSplited, []string{"s1"})

	got, err := r.Retrieve(context.Background(), "合同", "dept", []string{"s2"}, 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got.Sources) != 0 {
		t.Fatalf("want no sources, got %d", len(got.Sources))
	}
	if got.Reason != ReasonNoPermittedDocs {
		t.Fatalf("want reason %q, got %q", ReasonNoPermittedDocs, got.Reason)
	}
	if h.vectors.searchCalls() != 0 || h.lexical.searchCalls() != 0 {
		t.Fatalf("stores searched despite empty permission set")
	}
}

func TestRetrieveSearchesOnlyReadyDocuments(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{})
	h.seedDoc(t, "doc-ready", types.StatusSplited, []string{"s1"})
	h.seedDoc(t, "doc-pending", types.StatusVectorizing, []string{"s1"})

	got, err := r.Retrieve(context.Background(), "报告", "dept", []string{"s1"}, 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.Reason != ReasonNoMatches {
		t.Fatalf("want reason %q, got %q", ReasonNoMatches, got.Reason)
	}
	allowed := h.vectors.allowed()
	if len(allowed) != 1 || allowed[0] != "doc-ready" {
		t.Fatalf("want search over [doc-ready], got %v", allowed)
	}
}

func TestRetrieveDropsStaleIndexHits(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)
	h.seedSegment(t, "doc-1", "seg-a", "仍然存在的段落。", 1)

	h.vectors.hits = []milvus.Hit{{SegID: "seg-a", Score: 1.0}, {SegID: "seg-ghost", Score: 0.9}}
	h.gateway.rerank = func(ctx context.Context, query string, docs []string) ([]float64, error) {
		return []float64{0.5}, nil
	}

	got, err := r.Retrieve(context.Background(), "段落", "dept", nil, 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got.Sources) != 1 || got.Sources[0].SegID != "seg-a" {
		t.Fatalf("want [seg-a], got %v", segIDsOf(got.Sources))
	}
}

func TestRetrieveLexicalOutageIsPartial(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)
	h.seedSegment(t, "doc-1", "seg-a", "唯一命中的段落。", 1)

	h.vectors.hits = []milvus.Hit{{SegID: "seg-a", Score: 0.9}}
	h.lexical.err = errors.New("es timeout")
	h.gateway.rerank = func(ctx context.Context, query string, docs []string) ([]float64, error) {
		return []float64{0.4}, nil
	}

	got, err := r.Retrieve(context.Background(), "段落", "dept", nil, 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !got.Partial {
		t.Fatalf("want partial retrieval")
	}
	if len(got.Sources) != 1 || got.Sources[0].SegID != "seg-a" {
		t.Fatalf("want dense-only [seg-a], got %v", segIDsOf(got.Sources))
	}
}

func TestRetrieveFailsWhenBothSearchesFail(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)

	h.vectors.err = errors.New("milvus down")
	h.lexical.err = errors.New("es down")

	_, err := r.Retrieve(context.Background(), "报告", "dept", nil, 5)
	if err == nil {
		t.Fatalf("want error when both searches fail")
	}
	if !strings.Contains(err.Error(), "milvus down") || !strings.Contains(err.Error(), "es down") {
		t.Fatalf("error should carry both causes, got %v", err)
	}
}

func TestRetrieveRerankFailureKeepsFusedOrder(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)
	h.seedSegment(t, "doc-1", "seg-a", "高分段落。", 1)
	h.seedSegment(t, "doc-1", "seg-b", "低分段落。", 2)

	h.vectors.hits = []milvus.Hit{{SegID: "seg-a", Score: 1.0}, {SegID: "seg-b", Score: 0.5}}

	got, err := r.Retrieve(context.Background(), "段落", "dept", nil, 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !got.Partial {
		t.Fatalf("rerank failure should mark the retrieval partial")
	}
	wantOrder := []string{"seg-a", "seg-b"}
	gotOrder := segIDsOf(got.Sources)
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("want fused order %v, got %v", wantOrder, gotOrder)
		}
	}
	for _, s := range got.Sources {
		if s.RerankScore != 0 {
			t.Fatalf("rerank score should stay zero on failure, got %v", s.RerankScore)
		}
	}
}

func TestRetrieveCliffCut(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{RerankCliff: true, TopK: 4})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)
	h.seedSegment(t, "doc-1", "seg-a", "第一段。", 1)
	h.seedSegment(t, "doc-1", "seg-b", "第二段。", 2)
	h.seedSegment(t, "doc-1", "seg-c", "第三段。", 3)
	h.seedSegment(t, "doc-1", "seg-d", "第四段。", 4)

	h.vectors.hits = []milvus.Hit{
		{SegID: "seg-a", Score: 1.0},
		{SegID: "seg-b", Score: 0.9},
		{SegID: "seg-c", Score: 0.2},
		{SegID: "seg-d", Score: 0.1},
	}
	h.gateway.rerank = func(ctx context.Context, query string, docs []string) ([]float64, error) {
		return []float64{0.95, 0.9, 0.2, 0.1}, nil
	}

	got, err := r.Retrieve(context.Background(), "段落", "dept", nil, 4)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	gotOrder := segIDsOf(got.Sources)
	if len(gotOrder) != 2 || gotOrder[0] != "seg-a" || gotOrder[1] != "seg-b" {
		t.Fatalf("want cliff cut to [seg-a seg-b], got %v", gotOrder)
	}
}

func TestRetrieveClampsBudgetsUpward(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{CandidateK: 2, RerankK: 2, TopK: 2})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)

	if _, err := r.Retrieve(context.Background(), "报告", "dept", nil, 6); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if h.vectors.searchK() != 6 || h.lexical.searchK() != 6 {
		t.Fatalf("want candidate_k clamped to 6, got dense %d lexical %d", h.vectors.searchK(), h.lexical.searchK())
	}
}

func TestRetrieveTruncatesPoolAtRerankK(t *testing.T) {
	h, r := newRetrieverHarness(t, Config{CandidateK: 50, RerankK: 2, TopK: 2})
	h.seedDoc(t, "doc-1", types.StatusSplited, nil)
	h.seedSegment(t, "doc-1", "seg-a", "第一段。", 1)
	h.seedSegment(t, "doc-1", "seg-b", "第二段。", 2)
	h.seedSegment(t, "doc-1", "seg-c", "第三段。", 3)

	h.vectors.hits = []milvus.Hit{
		{SegID: "seg-a", Score: 1.0},
		{SegID: "seg-b", Score: 0.6},
		{SegID: "seg-c", Score: 0.2},
	}
	h.gateway.rerank = func(ctx context.Context, query string, docs []string) ([]float64, error) {
		scores := make([]float64, len(docs))
		for i := range docs {
			scores[i] = 1.0 - float64(i)*0.1
		}
		return scores, nil
	}

	got, err := r.Retrieve(context.Background(), "段落", "dept", nil, 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(h.gateway.rerankCalls[0]) != 2 {
		t.Fatalf("want 2 passages into rerank, got %d", len(h.gateway.rerankCalls[0]))
	}
	if len(got.Sources) != 2 {
		t.Fatalf("want 2 sources, got %d", len(got.Sources))
	}
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	_, r := newRetrieverHarness(t, Config{})
	_, err := r.Retrieve(context.Background(), "   ", "dept", []string{"s1"}, 5)
	if err == nil {
		t.Fatalf("want error for empty query")
	}
	if svcerr.CodeOf(err) != svcerr.CodeParamError {
		t.Fatalf("want code %d, got %d", svcerr.CodeParamError, svcerr.CodeOf(err))
	}
}

func TestNormalizeScores(t *testing.T) {
	if got := normalizeScores(nil); len(got) != 0 {
		t.Fatalf("want empty, got %v", got)
	}
	if got := normalizeScores([]float64{3.2}); got[0] != 3.2 {
		t.Fatalf("single score should pass through, got %v", got)
	}
	flat := normalizeScores([]float64{0.5, 0.5, 0.5})
	for _, s := range flat {
		if s != 0 {
			t.Fatalf("flat list should normalize to zeros, got %v", flat)
		}
	}
	spread := normalizeScores([]float64{2, 1, 0})
	want := []float64{1, 0.5, 0}
	for i := range want {
		if math.Abs(spread[i]-want[i]) > 1e-9 {
			t.Fatalf("want %v, got %v", want, spread)
		}
	}
}
