package rag

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/clients/redis"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/prompts"
	"github.com/yungbote/ragmind-backend/internal/repos"
	"github.com/yungbote/ragmind-backend/internal/retrieval"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// lockStripes is the size of the session mutex pool. Sessions hash onto a
// stripe, so two sessions may share one; appends within a session are still
// strictly serialized.
const lockStripes = 64

// Config carries the character budgets of one answered question.
type Config struct {
	QueryMaxChars   int
	HistoryMaxChars int
	ContextMaxChars int
	// PermissionType qualifies subject ids at retrieval time; chat requests
	// carry bare subject ids.
	PermissionType string
}

func (c *Config) normalize() {
	if c.QueryMaxChars <= 0 {
		c.QueryMaxChars = 2000
	}
	if c.HistoryMaxChars <= 0 {
		c.HistoryMaxChars = 4000
	}
	if c.ContextMaxChars <= 0 {
		c.ContextMaxChars = 6000
	}
	if c.PermissionType == "" {
		c.PermissionType = "dept"
	}
}

// Question is one rag_chat request after binding.
type Question struct {
	SessionID  string
	Query      string
	SubjectIDs []string
	TopK       int
}

// Answer is the response payload of one answered question.
// ProcessingTime is wall-clock seconds.
type Answer struct {
	Answer         string            `json:"answer"`
	Sources        []types.SourceRef `json:"sources"`
	TokensUsed     int               `json:"tokens_used"`
	ProcessingTime float64           `json:"processing_time"`
	SessionID      string            `json:"session_id"`
	RewrittenQuery string            `json:"rewritten_query,omitempty"`
}

// Orchestrator answers questions over the knowledge base: load history,
// rewrite, retrieve, generate, persist the turn pair.
type Orchestrator interface {
	Answer(ctx context.Context, q Question) (*Answer, error)
}

type orchestrator struct {
	log       *logger.Logger
	cfg       Config
	chats     repos.ChatRepo
	retriever retrieval.Retriever
	gateway   modelgateway.Gateway
	reg       *prompts.Registry
	cache     redis.HistoryCache
	locks     [lockStripes]sync.Mutex
}

// New wires the orchestrator. cache may be nil; history then always comes
// from MySQL.
func New(
	log *logger.Logger,
	cfg Config,
	chats repos.ChatRepo,
	retriever retrieval.Retriever,
	gateway modelgateway.Gateway,
	reg *prompts.Registry,
	cache redis.HistoryCache,
) (Orchestrator, error) {
	if log == nil {
		return nil, fmt.Errorf("rag: logger is required")
	}
	if chats == nil {
		return nil, fmt.Errorf("rag: chat repo is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("rag: retriever is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("rag: model gateway is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("rag: prompt registry is required")
	}
	cfg.normalize()
	return &orchestrator{
		log:       log.With("service", "RAGOrchestrator"),
		cfg:       cfg,
		chats:     chats,
		retriever: retriever,
		gateway:   gateway,
		reg:       reg,
		cache:     cache,
	}, nil
}

func (o *orchestrator) Answer(ctx context.Context, q Question) (*Answer, error) {
	start := time.Now()

	query := strings.TrimSpace(q.Query)
	if query == "" {
		return nil, svcerr.New(svcerr.CodeParamError, "query is required")
	}
	if utf8.RuneCountInString(query) > o.cfg.QueryMaxChars {
		return nil, svcerr.New(svcerr.CodeQuestionTooLong,
			fmt.Sprintf("query exceeds %d characters", o.cfg.QueryMaxChars))
	}
	sessionID := strings.TrimSpace(q.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	history := o.loadHistory(ctx, sessionID)

	effective := query
	tokens := 0
	if len(history) > 0 {
		rewritten, usage := o.rewriteQuery(ctx, query, history)
		effective = rewritten
		tokens += usage.TotalTokens
	}

	result, err := o.retriever.Retrieve(ctx, effective, o.cfg.PermissionType, q.SubjectIDs, q.TopK)
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeKBMatchFailed, "retrieval failed", err)
	}

	rewrittenOut := ""
	if effective != query {
		rewrittenOut = effective
	}

	if len(result.Sources) == 0 {
		refusal := o.refusalText()
		o.log.Info("No sources retrieved, refusing",
			"sessionID", sessionID, "reason", result.Reason)
		elapsed := time.Since(start)
		o.persistTurns(sessionID,
			o.humanTurn(sessionID, query, rewrittenOut),
			o.aiTurn(sessionID, refusal, nil, modelgateway.TokenUsage{}, elapsed, false))
		return &Answer{
			Answer:         refusal,
			Sources:        []types.SourceRef{},
			TokensUsed:     0,
			ProcessingTime: elapsed.Seconds(),
			SessionID:      sessionID,
			RewrittenQuery: rewrittenOut,
		}, nil
	}

	answer, usage, err := o.generate(ctx, query, result.Sources, history)
	if err != nil {
		elapsed := time.Since(start)
		o.persistTurns(sessionID,
			o.humanTurn(sessionID, query, rewrittenOut),
			o.aiTurn(sessionID, err.Error(), nil, modelgateway.TokenUsage{}, elapsed, true))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, svcerr.Wrap(svcerr.CodeModelTimeout, "model generation timed out", err)
		}
		return nil, svcerr.Wrap(svcerr.CodeSystemBusy, "model generation failed", err)
	}
	tokens += usage.TotalTokens

	sources := sourceRefs(result.Sources)
	elapsed := time.Since(start)
	o.persistTurns(sessionID,
		o.humanTurn(sessionID, query, rewrittenOut),
		o.aiTurn(sessionID, answer, sources, usage, elapsed, false))

	return &Answer{
		Answer:         strings.TrimSpace(answer),
		Sources:        sources,
		TokensUsed:     tokens,
		ProcessingTime: elapsed.Seconds(),
		SessionID:      sessionID,
		RewrittenQuery: rewrittenOut,
	}, nil
}

// loadHistory reads the recent window through the cache. History is
// best-effort: any failure answers the question without it.
func (o *orchestrator) loadHistory(ctx context.Context, sessionID string) []*types.ChatMessage {
	if o.cache != nil {
		if cached, ok := o.cache.Get(ctx, sessionID); ok {
			out := make([]*types.ChatMessage, len(cached))
			for i := range cached {
				out[i] = &cached[i]
			}
			return out
		}
	}
	msgs, err := o.chats.RecentMessages(ctx, nil, sessionID, o.cfg.HistoryMaxChars)
	if err != nil {
		o.log.Warn("History load failed, answering without history",
			"sessionID", sessionID, "error", err)
		return nil
	}
	if o.cache != nil && len(msgs) > 0 {
		vals := make([]types.ChatMessage, len(msgs))
		for i, m := range msgs {
			vals[i] = *m
		}
		o.cache.Set(ctx, sessionID, vals)
	}
	return msgs
}

// rewriteQuery folds the conversation into a standalone retrieval query.
// Every failure mode falls back to the original query.
func (o *orchestrator) rewriteQuery(ctx context.Context, query string, history []*types.ChatMessage) (string, modelgateway.TokenUsage) {
	prompt, err := o.reg.Get(prompts.QueryRewrite)
	if err != nil {
		o.log.Warn("Rewrite prompt missing, using original query", "error", err)
		return query, modelgateway.TokenUsage{}
	}
	msgs := []modelgateway.Message{
		{Role: modelgateway.RoleSystem, Content: prompt.RenderSystem(nil)},
		{Role: modelgateway.RoleUser, Content: prompt.RenderUser(map[string]string{
			"history":  formatHistory(history),
			"question": query,
		})},
	}
	out, usage, err := o.gateway.Generate(ctx, msgs, modelgateway.GenerateOptions{
		Temperature: prompt.Temperature,
		TopP:        prompt.TopP,
		MaxTokens:   prompt.MaxTokens,
		Stop:        prompt.Stop,
	})
	if err != nil {
		o.log.Warn("Query rewrite failed, using original query", "error", err)
		return query, usage
	}
	out = strings.TrimSpace(out)
	if out == "" || utf8.RuneCountInString(out) > o.cfg.QueryMaxChars {
		o.log.Warn("Query rewrite unusable, using original query",
			"rewrittenLen", utf8.RuneCountInString(out))
		return query, usage
	}
	return out, usage
}

// generate renders the grounded prompt and asks the model. History rides
// along as chat turns so follow-up phrasing stays resolvable.
func (o *orchestrator) generate(ctx context.Context, query string, sources []retrieval.Source, history []*types.ChatMessage) (string, modelgateway.TokenUsage, error) {
	prompt, err := o.reg.Get(prompts.RAGSystem)
	if err != nil {
		return "", modelgateway.TokenUsage{}, fmt.Errorf("rag prompt: %w", err)
	}
	msgs := make([]modelgateway.Message, 0, len(history)+2)
	msgs = append(msgs, modelgateway.Message{
		Role:    modelgateway.RoleSystem,
		Content: prompt.RenderSystem(map[string]string{"context": o.buildContext(sources)}),
	})
	for _, m := range history {
		role := modelgateway.RoleUser
		if m.MessageType == types.MessageTypeAI {
			role = modelgateway.RoleAssistant
		}
		msgs = append(msgs, modelgateway.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, modelgateway.Message{
		Role:    modelgateway.RoleUser,
		Content: prompt.RenderUser(map[string]string{"question": query}),
	})
	return o.gateway.Generate(ctx, msgs, modelgateway.GenerateOptions{
		Temperature: prompt.Temperature,
		TopP:        prompt.TopP,
		MaxTokens:   prompt.MaxTokens,
		Stop:        prompt.Stop,
	})
}

// buildContext concatenates sources by fused rank, each tagged with its
// origin, stopping at the character budget. The first block always fits,
// truncated if it must be.
func (o *orchestrator) buildContext(sources []retrieval.Source) string {
	ordered := make([]retrieval.Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].FusedScore > ordered[j].FusedScore
	})
	blocks := make([]string, 0, len(ordered))
	total := 0
	for _, s := range ordered {
		block := fmt.Sprintf("[%s, 第 %d 页]\n%s", s.DocName, s.SegPageIdx, s.Content)
		n := utf8.RuneCountInString(block)
		if total+n > o.cfg.ContextMaxChars {
			if len(blocks) == 0 {
				blocks = append(blocks, truncateRunes(block, o.cfg.ContextMaxChars))
			}
			break
		}
		total += n
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

func (o *orchestrator) refusalText() string {
	prompt, err := o.reg.Get(prompts.Refusal)
	if err != nil {
		return "抱歉，知识库中没有找到相关信息"
	}
	return strings.TrimSpace(prompt.User)
}

func (o *orchestrator) humanTurn(sessionID, query, rewritten string) *types.ChatMessage {
	var meta *types.MessageMetadata
	if rewritten != "" {
		meta = &types.MessageMetadata{RewrittenQuery: rewritten}
	}
	raw, err := types.EncodeMetadata(meta)
	if err != nil {
		o.log.Warn("Human turn metadata encode failed", "sessionID", sessionID, "error", err)
	}
	return &types.ChatMessage{
		SessionID:   sessionID,
		MessageType: types.MessageTypeHuman,
		Content:     query,
		Metadata:    raw,
	}
}

func (o *orchestrator) aiTurn(sessionID, content string, sources []types.SourceRef, usage modelgateway.TokenUsage, elapsed time.Duration, failed bool) *types.ChatMessage {
	raw, err := types.EncodeMetadata(&types.MessageMetadata{
		Sources:          sources,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		ElapsedMS:        elapsed.Milliseconds(),
		Error:            failed,
	})
	if err != nil {
		o.log.Warn("AI turn metadata encode failed", "sessionID", sessionID, "error", err)
	}
	return &types.ChatMessage{
		SessionID:          sessionID,
		MessageType:        types.MessageTypeAI,
		Content:            content,
		Metadata:           raw,
		ExcludeFromHistory: failed,
	}
}

// persistTurns appends the turn pair under the session's lock stripe and
// drops the cached history window. It runs on a detached context so a dead
// request context (client gone, model timeout) cannot lose the turns; a
// store failure is logged but never takes the answer down with it.
func (o *orchestrator) persistTurns(sessionID string, human, ai *types.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mu := o.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()
	if err := o.chats.EnsureSession(ctx, nil, sessionID); err != nil {
		o.log.Error("Session ensure failed, dropping turn pair", "sessionID", sessionID, "error", err)
		return
	}
	if err := o.chats.AppendMessage(ctx, nil, human); err != nil {
		o.log.Error("Human turn persist failed", "sessionID", sessionID, "error", err)
		return
	}
	if err := o.chats.AppendMessage(ctx, nil, ai); err != nil {
		o.log.Error("AI turn persist failed", "sessionID", sessionID, "error", err)
	}
	if o.cache != nil {
		o.cache.Invalidate(ctx, sessionID)
	}
}

func (o *orchestrator) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &o.locks[h.Sum32()%lockStripes]
}

func sourceRefs(sources []retrieval.Source) []types.SourceRef {
	out := make([]types.SourceRef, len(sources))
	for i, s := range sources {
		out[i] = types.SourceRef{
			DocID:       s.DocID,
			SegID:       s.SegID,
			DocName:     s.DocName,
			SegPageIdx:  s.SegPageIdx,
			RerankScore: s.RerankScore,
			FusedScore:  s.FusedScore,
			DocHTTPURL:  s.DocHTTPURL,
			PagePNGPath: s.PagePNGPath,
		}
	}
	return out
}

func formatHistory(msgs []*types.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		role := "用户"
		if m.MessageType == types.MessageTypeAI {
			role = "助手"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
