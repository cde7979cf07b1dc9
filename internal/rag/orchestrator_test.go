package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/clients/redis"
	"github.com/yungbote/ragmind-backend/internal/db"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/prompts"
	"github.com/yungbote/ragmind-backend/internal/repos"
	"github.com/yungbote/ragmind-backend/internal/retrieval"
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

type stubRetriever struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error)
	queries []string
}

func (s *stubRetriever) Retrieve(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, query, permissionType, subjectIDs, topK)
	}
	return &retrieval.Retrieval{Sources: []retrieval.Source{}, Reason: retrieval.ReasonNoMatches}, nil
}

type stubGateway struct {
	mu       sync.Mutex
	generate func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error)
	calls    [][]modelgateway.Message
}

func (g *stubGateway) Generate(ctx context.Context, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
	g.mu.Lock()
	call := len(g.calls)
	copied := append([]modelgateway.Message(nil), msgs...)
	g.calls = append(g.calls, copied)
	g.mu.Unlock()
	if g.generate != nil {
		return g.generate(call, msgs, opts)
	}
	return "", modelgateway.TokenUsage{}, errors.New("generate not scripted")
}

func (g *stubGateway) StreamGenerate(ctx context.Context, msgs []modelgateway.Message, opts modelgateway.GenerateOptions, onDelta func(string)) (string, modelgateway.TokenUsage, error) {
	out, usage, err := g.Generate(ctx, msgs, opts)
	if err == nil && onDelta != nil {
		onDelta(out)
	}
	return out, usage, err
}

func (g *stubGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("embed not scripted")
}

func (g *stubGateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return nil, errors.New("rerank not scripted")
}

func (g *stubGateway) generateCalls() [][]modelgateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeCache struct {
	mu          sync.Mutex
	store       map[string][]types.ChatMessage
	sets        int
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string][]types.ChatMessage{}}
}

func (c *fakeCache) Get(ctx context.Context, sessionID string) ([]types.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.store[sessionID]
	return msgs, ok
}

func (c *fakeCache) Set(ctx context.Context, sessionID string, msgs []types.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[sessionID] = msgs
	c.sets++
}

func (c *fakeCache) Invalidate(ctx context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, sessionID)
	c.invalidated = append(c.invalidated, sessionID)
}

func (c *fakeCache) Ping(ctx context.Context) error { return nil }

func (c *fakeCache) Close() error { return nil }

type ragHarness struct {
	gdb       *gorm.DB
	chats     repos.ChatRepo
	retriever *stubRetriever
	gateway   *stubGateway
	cache     *fakeCache
}

func newRAGHarness(t *testing.T, cfg Config, cache *fakeCache) (*ragHarness, Orchestrator) {
	t.Helper()
	log := newTestLogger(t)
	gdb := newTestDB(t)
	reg, err := prompts.Load(log)
	if err != nil {
		t.Fatalf("prompts.Load: %v", err)
	}
	h := &ragHarness{
		gdb:       gdb,
		chats:     repos.NewChatRepo(gdb, log),
		retriever: &stubRetriever{},
		gateway:   &stubGateway{},
		cache:     cache,
	}
	var hist redis.HistoryCache
	if cache != nil {
		hist = cache
	}
	o, err := New(log, cfg, h.chats, h.retriever, h.gateway, reg, hist)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, o
}

func (h *ragHarness) seedTurn(t *testing.T, sessionID, human, ai string) {
	t.Helper()
	ctx := context.Background()
	if err := h.chats.EnsureSession(ctx, nil, sessionID); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := h.chats.AppendMessage(ctx, nil, &types.ChatMessage{
		SessionID: sessionID, MessageType: types.MessageTypeHuman, Content: human,
	}); err != nil {
		t.Fatalf("append human: %v", err)
	}
	if err := h.chats.AppendMessage(ctx, nil, &types.ChatMessage{
		SessionID: sessionID, MessageType: types.MessageTypeAI, Content: ai,
	}); err != nil {
		t.Fatalf("append ai: %v", err)
	}
}

func oneSource() retrieval.Source {
	return retrieval.Source{
		DocID:       "doc-1",
		SegID:       "doc-1-p3-0-text",
		SegPageIdx:  3,
		RerankScore: 0.8,
		FusedScore:  0.9,
		Content:     "员工转正后每年享有十天带薪年假。",
		DocName:     "人事手册.pdf",
	}
}

func TestAnswerFirstTurnSkipsRewrite(t *testing.T) {
	h, o := newRAGHarness(t, Config{}, nil)
	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{oneSource()}}, nil
	}
	h.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		return "每年十天。", modelgateway.TokenUsage{PromptTokens: 80, CompletionTokens: 20, TotalTokens: 100}, nil
	}

	got, err := o.Answer(context.Background(), Question{Query: "年假有几天？", SubjectIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.SessionID == "" {
		t.Fatalf("want generated session id")
	}
	if got.Answer != "每年十天。" {
		t.Fatalf("want answer, got %q", got.Answer)
	}
	if got.RewrittenQuery != "" {
		t.Fatalf("first turn should not rewrite, got %q", got.RewrittenQuery)
	}
	if got.TokensUsed != 100 {
		t.Fatalf("want 100 tokens, got %d", got.TokensUsed)
	}
	if len(got.Sources) != 1 || got.Sources[0].SegID != "doc-1-p3-0-text" {
		t.Fatalf("sources wrong: %+v", got.Sources)
	}
	if calls := h.gateway.generateCalls(); len(calls) != 1 {
		t.Fatalf("want 1 generate call, got %d", len(calls))
	}

	msgs, err := h.chats.ListMessages(context.Background(), nil, got.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want persisted turn pair, got %d messages", len(msgs))
	}
	if msgs[0].MessageType != types.MessageTypeHuman || msgs[1].MessageType != types.MessageTypeAI {
		t.Fatalf("turn order wrong: %s, %s", msgs[0].MessageType, msgs[1].MessageType)
	}
	meta, err := types.DecodeMetadata(msgs[1].Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if meta.TotalTokens != 100 || len(meta.Sources) != 1 {
		t.Fatalf("ai metadata wrong: %+v", meta)
	}
}

func TestAnswerRewritesWithHistory(t *testing.T) {
	h, o := newRAGHarness(t, Config{}, nil)
	h.seedTurn(t, "sess-1", "公司年假有几天？", "转正员工每年十天。")

	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{oneSource()}}, nil
	}
	h.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		switch call {
		case 0:
			user := msgs[len(msgs)-1].Content
			if !strings.Contains(user, "用户: 公司年假有几天？") || !strings.Contains(user, "助手: 转正员工每年十天。") {
				t.Errorf("rewrite prompt missing history: %q", user)
			}
			if !strings.Contains(user, "那试用期呢？") {
				t.Errorf("rewrite prompt missing latest question: %q", user)
			}
			return "试用期员工的年假规定是什么？", modelgateway.TokenUsage{TotalTokens: 30}, nil
		default:
			if !strings.Contains(msgs[0].Content, "[人事手册.pdf, 第 3 页]") {
				t.Errorf("rag system prompt missing tagged context: %q", msgs[0].Content)
			}
			last := msgs[len(msgs)-1].Content
			if !strings.Contains(last, "那试用期呢？") {
				t.Errorf("generation should ask the original question, got %q", last)
			}
			return "试用期不满一年的按比例折算。", modelgateway.TokenUsage{TotalTokens: 100}, nil
		}
	}

	got, err := o.Answer(context.Background(), Question{SessionID: "sess-1", Query: "那试用期呢？", SubjectIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.RewrittenQuery != "试用期员工的年假规定是什么？" {
		t.Fatalf("want rewritten query surfaced, got %q", got.RewrittenQuery)
	}
	if got.TokensUsed != 130 {
		t.Fatalf("want 130 tokens across rewrite and generation, got %d", got.TokensUsed)
	}
	if len(h.retriever.queries) != 1 || h.retriever.queries[0] != "试用期员工的年假规定是什么？" {
		t.Fatalf("retriever should receive the rewritten query, got %v", h.retriever.queries)
	}

	msgs, err := h.chats.ListMessages(context.Background(), nil, "sess-1", 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("want 4 messages, got %d", len(msgs))
	}
	humanMeta, err := types.DecodeMetadata(msgs[2].Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if humanMeta == nil || humanMeta.RewrittenQuery != "试用期员工的年假规定是什么？" {
		t.Fatalf("human turn should record the rewrite: %+v", humanMeta)
	}
}

func TestAnswerRewriteFailureFallsBack(t *testing.T) {
	h, o := newRAGHarness(t, Config{}, nil)
	h.seedTurn(t, "sess-1", "第一问", "第一答")

	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{oneSource()}}, nil
	}
	h.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		if call == 0 {
			return "", modelgateway.TokenUsage{}, errors.New("rewrite model 503")
		}
		return "答案。", modelgateway.TokenUsage{TotalTokens: 50}, nil
	}

	got, err := o.Answer(context.Background(), Question{SessionID: "sess-1", Query: "后续问题？"})
	if err != nil {
		t.Fatalf("rewrite failure must not be fatal: %v", err)
	}
	if got.RewrittenQuery != "" {
		t.Fatalf("fallback should not surface a rewrite, got %q", got.RewrittenQuery)
	}
	if h.retriever.queries[0] != "后续问题？" {
		t.Fatalf("retriever should receive the original query, got %v", h.retriever.queries)
	}
}

func TestAnswerRefusesWithoutSources(t *testing.T) {
	h, o := newRAGHarness(t, Config{}, nil)

	got, err := o.Answer(context.Background(), Question{Query: "完全无关的问题？", SubjectIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Answer != "抱歉，知识库中没有找到相关信息" {
		t.Fatalf("want refusal template, got %q", got.Answer)
	}
	if got.TokensUsed != 0 {
		t.Fatalf("refusal must not spend tokens, got %d", got.TokensUsed)
	}
	if len(got.Sources) != 0 {
		t.Fatalf("want no sources, got %d", len(got.Sources))
	}
	if calls := h.gateway.generateCalls(); len(calls) != 0 {
		t.Fatalf("refusal must not call the model, got %d calls", len(calls))
	}

	msgs, err := h.chats.ListMessages(context.Background(), nil, got.SessionID, 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("refusal should still persist the turn pair, got %d", len(msgs))
	}
	if msgs[1].Content != "抱歉，知识库中没有找到相关信息" {
		t.Fatalf("persisted ai turn wrong: %q", msgs[1].Content)
	}
	if msgs[1].ExcludeFromHistory {
		t.Fatalf("refusal turn should stay in history")
	}
}

func TestAnswerGenerationFailurePersistsErrorTurn(t *testing.T) {
	h, o := newRAGHarness(t, Config{}, nil)
	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{oneSource()}}, nil
	}

	_, err := o.Answer(context.Background(), Question{SessionID: "sess-err", Query: "问题？"})
	if err == nil {
		t.Fatalf("want generation error")
	}
	if svcerr.CodeOf(err) != svcerr.CodeSystemBusy {
		t.Fatalf("want code %d, got %d", svcerr.CodeSystemBusy, svcerr.CodeOf(err))
	}

	msgs, listErr := h.chats.ListMessages(context.Background(), nil, "sess-err", 10, 0)
	if listErr != nil {
		t.Fatalf("ListMessages: %v", listErr)
	}
	if len(msgs) != 2 {
		t.Fatalf("want persisted turn pair, got %d", len(msgs))
	}
	if !msgs[1].ExcludeFromHistory {
		t.Fatalf("failed ai turn must be excluded from history")
	}
	meta, metaErr := types.DecodeMetadata(msgs[1].Metadata)
	if metaErr != nil {
		t.Fatalf("DecodeMetadata: %v", metaErr)
	}
	if !meta.Error {
		t.Fatalf("failed ai turn must be error-flagged")
	}

	recent, recentErr := h.chats.RecentMessages(context.Background(), nil, "sess-err", 4000)
	if recentErr != nil {
		t.Fatalf("RecentMessages: %v", recentErr)
	}
	if len(recent) != 1 || recent[0].MessageType != types.MessageTypeHuman {
		t.Fatalf("history should keep only the human turn, got %d", len(recent))
	}
}

func TestAnswerValidatesQuery(t *testing.T) {
	_, o := newRAGHarness(t, Config{QueryMaxChars: 10}, nil)

	_, err := o.Answer(context.Background(), Question{Query: "   "})
	if svcerr.CodeOf(err) != svcerr.CodeParamError {
		t.Fatalf("empty query: want code %d, got %d", svcerr.CodeParamError, svcerr.CodeOf(err))
	}

	_, err = o.Answer(context.Background(), Question{Query: strings.Repeat("问", 11)})
	if svcerr.CodeOf(err) != svcerr.CodeQuestionTooLong {
		t.Fatalf("overlong query: want code %d, got %d", svcerr.CodeQuestionTooLong, svcerr.CodeOf(err))
	}
}

func TestAnswerContextFollowsFusedRankAndBudget(t *testing.T) {
	first := retrieval.Source{
		DocID: "doc-a", SegID: "seg-x", SegPageIdx: 1,
		RerankScore: 0.9, FusedScore: 0.2,
		Content: "重排靠前但融合靠后。", DocName: "甲.pdf",
	}
	second := retrieval.Source{
		DocID: "doc-b", SegID: "seg-y", SegPageIdx: 2,
		RerankScore: 0.8, FusedScore: 0.9,
		Content: "融合分数最高的内容。", DocName: "乙.pdf",
	}

	h, o := newRAGHarness(t, Config{}, nil)
	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{first, second}}, nil
	}
	h.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		system := msgs[0].Content
		yIdx := strings.Index(system, "乙.pdf")
		xIdx := strings.Index(system, "甲.pdf")
		if yIdx < 0 || xIdx < 0 || yIdx > xIdx {
			t.Errorf("context should follow fused rank (乙 before 甲): %q", system)
		}
		return "好的。", modelgateway.TokenUsage{TotalTokens: 10}, nil
	}

	got, err := o.Answer(context.Background(), Question{Query: "问题？"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Sources[0].SegID != "seg-x" {
		t.Fatalf("response sources must keep rerank order, got %+v", got.Sources)
	}

	// Tight budget keeps only the top fused block.
	h2, o2 := newRAGHarness(t, Config{ContextMaxChars: 25}, nil)
	h2.retriever.fn = h.retriever.fn
	h2.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		system := msgs[0].Content
		if !strings.Contains(system, "乙.pdf") {
			t.Errorf("budgeted context missing top fused block: %q", system)
		}
		if strings.Contains(system, "甲.pdf") {
			t.Errorf("budgeted context should drop the second block: %q", system)
		}
		return "好的。", modelgateway.TokenUsage{TotalTokens: 10}, nil
	}
	if _, err := o2.Answer(context.Background(), Question{Query: "问题？"}); err != nil {
		t.Fatalf("Answer with budget: %v", err)
	}
}

func TestAnswerHistoryCacheHit(t *testing.T) {
	cache := newFakeCache()
	cache.store["sess-c"] = []types.ChatMessage{
		{SessionID: "sess-c", MessageType: types.MessageTypeHuman, Content: "缓存里的问题"},
		{SessionID: "sess-c", MessageType: types.MessageTypeAI, Content: "缓存里的回答"},
	}
	h, o := newRAGHarness(t, Config{}, cache)
	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{oneSource()}}, nil
	}
	h.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		if call == 0 {
			user := msgs[len(msgs)-1].Content
			if !strings.Contains(user, "缓存里的问题") {
				t.Errorf("rewrite should see cached history: %q", user)
			}
			return "独立问题？", modelgateway.TokenUsage{TotalTokens: 20}, nil
		}
		return "答案。", modelgateway.TokenUsage{TotalTokens: 60}, nil
	}

	if _, err := o.Answer(context.Background(), Question{SessionID: "sess-c", Query: "然后呢？"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(h.gateway.generateCalls()) != 2 {
		t.Fatalf("cached history should trigger the rewrite, got %d calls", len(h.gateway.generateCalls()))
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "sess-c" {
		t.Fatalf("persist should invalidate the session cache, got %v", cache.invalidated)
	}
}

func TestAnswerHistoryCachePopulates(t *testing.T) {
	cache := newFakeCache()
	h, o := newRAGHarness(t, Config{}, cache)
	h.seedTurn(t, "sess-p", "旧问题", "旧回答")
	h.retriever.fn = func(ctx context.Context, query, permissionType string, subjectIDs []string, topK int) (*retrieval.Retrieval, error) {
		return &retrieval.Retrieval{Sources: []retrieval.Source{oneSource()}}, nil
	}
	h.gateway.generate = func(call int, msgs []modelgateway.Message, opts modelgateway.GenerateOptions) (string, modelgateway.TokenUsage, error) {
		if call == 0 {
			return "独立问题？", modelgateway.TokenUsage{TotalTokens: 20}, nil
		}
		return "答案。", modelgateway.TokenUsage{TotalTokens: 60}, nil
	}

	if _, err := o.Answer(context.Background(), Question{SessionID: "sess-p", Query: "继续？"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("history load should populate the cache once, got %d", cache.sets)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "sess-p" {
		t.Fatalf("persist should invalidate, got %v", cache.invalidated)
	}
}
