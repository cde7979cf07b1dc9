package ingestion

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/clients/docparse"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/clients/statussync"
	"github.com/yungbote/ragmind-backend/internal/db"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
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

// stubGateway lets a test script each model capability independently. The
// default embed hands back small constant vectors; the other capabilities
// fail loudly when a test exercises them without scripting them.
type stubGateway struct {
	embed    func(ctx context.Context, texts []string) ([][]float32, error)
	generate func(ctx context.Context, messages []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error)
	rerank   func(ctx context.Context, query string, docs []string) ([]float64, error)
}

func (g *stubGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embed != nil {
		return g.embed(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (g *stubGateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if g.rerank != nil {
		return g.rerank(ctx, query, docs)
	}
	return nil, fmt.Errorf("rerank not scripted")
}

func (g *stubGateway) Generate(ctx context.Context, messages []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
	if g.generate != nil {
		return g.generate(ctx, messages, opts)
	}
	return "", modelgateway.TokenUsage{}, fmt.Errorf("generate not scripted")
}

func (g *stubGateway) StreamGenerate(ctx context.Context, messages []modelgateway.Message, opts modelgateway.GenerateOptions, onDelta func(delta string)) (string, modelgateway.TokenUsage, error) {
	text, usage, err := g.Generate(ctx, messages, opts)
	if err == nil && onDelta != nil {
		onDelta(text)
	}
	return text, usage, err
}

type stubConverter struct {
	toPDF func(ctx context.Context, docPath, outputDir string) (string, error)
	calls int
}

func (c *stubConverter) ToPDF(ctx context.Context, docPath, outputDir string) (string, error) {
	c.calls++
	if c.toPDF != nil {
		return c.toPDF(ctx, docPath, outputDir)
	}
	return "", fmt.Errorf("convert not scripted")
}

func (c *stubConverter) Ping(ctx context.Context) error { return nil }

type stubParser struct {
	parse func(ctx context.Context, pdfPath, outputDir string) (*docparse.Result, error)
	calls int
}

func (p *stubParser) Parse(ctx context.Context, pdfPath, outputDir string) (*docparse.Result, error) {
	p.calls++
	if p.parse != nil {
		return p.parse(ctx, pdfPath, outputDir)
	}
	return nil, fmt.Errorf("parse not scripted")
}

func (p *stubParser) Ping(ctx context.Context) error { return nil }

// stubVectors is an in-memory milvus.Store keyed by seg_id.
type stubVectors struct {
	mu        sync.Mutex
	records   map[string]milvus.Record
	upsertErr error
	deleted   []string
	searchFn  func(vector []float32, k int, allowedDocIDs []string) ([]milvus.Hit, error)
}

func newStubVectors() *stubVectors {
	return &stubVectors{records: map[string]milvus.Record{}}
}

func (s *stubVectors) EnsureCollection(ctx context.Context) error { return nil }

func (s *stubVectors) Upsert(ctx context.Context, records []milvus.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, r := range records {
		s.records[r.SegID] = r
	}
	return nil
}

func (s *stubVectors) Search(ctx context.Context, vector []float32, k int, allowedDocIDs []string) ([]milvus.Hit, error) {
	if s.searchFn != nil {
		return s.searchFn(vector, k, allowedDocIDs)
	}
	return nil, nil
}

func (s *stubVectors) DeleteByDoc(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, docID)
	for id, r := range s.records {
		if r.DocID == docID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *stubVectors) DeleteBySegIDs(ctx context.Context, segIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range segIDs {
		delete(s.records, id)
	}
	return nil
}

func (s *stubVectors) Ping(ctx context.Context) error  { return nil }
func (s *stubVectors) Close(ctx context.Context) error { return nil }

func (s *stubVectors) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *stubVectors) deletedDocs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *stubVectors) record(segID string) (milvus.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[segID]
	return r, ok
}

// stubLexical is an in-memory elastic.Store keyed by seg_id.
type stubLexical struct {
	mu       sync.Mutex
	records  map[string]elastic.Record
	indexErr error
	deleted  []string
	searchFn func(query string, k int, allowedDocIDs []string) ([]elastic.Hit, error)
}

func newStubLexical() *stubLexical {
	return &stubLexical{records: map[string]elastic.Record{}}
}

func (s *stubLexical) EnsureIndex(ctx context.Context) error { return nil }

func (s *stubLexical) Index(ctx context.Context, records []elastic.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexErr != nil {
		return s.indexErr
	}
	for _, r := range records {
		s.records[r.SegID] = r
	}
	return nil
}

func (s *stubLexical) Search(ctx context.Context, query string, k int, allowedDocIDs []string) ([]elastic.Hit, error) {
	if s.searchFn != nil {
		return s.searchFn(query, k, allowedDocIDs)
	}
	return nil, nil
}

func (s *stubLexical) DeleteByDoc(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, docID)
	for id, r := range s.records {
		if r.DocID == docID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *stubLexical) DeleteBySegIDs(ctx context.Context, segIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range segIDs {
		delete(s.records, id)
	}
	return nil
}

func (s *stubLexical) Ping(ctx context.Context) error { return nil }

func (s *stubLexical) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// stubNotifier records every event the pipeline hands over, milestones and
// all; filtering is the real notifier's concern.
type stubNotifier struct {
	mu     sync.Mutex
	events []statussync.Event
}

func (n *stubNotifier) Notify(event statussync.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *stubNotifier) Close() {}

func (n *stubNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Status
	}
	return out
}
