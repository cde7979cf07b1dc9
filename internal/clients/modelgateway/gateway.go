package modelgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/httpx"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/utils"
)

// Message is one chat turn in the wire format of the model service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerateOptions carries per-call sampling parameters, normally copied from
// a prompt registry entry. Temperature is always sent (0 is meaningful);
// TopP and MaxTokens fall back to service defaults when zero.
type GenerateOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Gateway is the single client for every model capability the service uses:
// embedding, cross-encoder reranking and chat generation.
type Gateway interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, TokenUsage, error)
	StreamGenerate(ctx context.Context, messages []Message, opts GenerateOptions, onDelta func(delta string)) (string, TokenUsage, error)
}

type gateway struct {
	log         *logger.Logger
	baseURL     string
	apiKey      string
	chatModel   string
	embedModel  string
	rerankModel string
	httpClient  *http.Client

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration

	embedBatch    int
	embedMaxChars int

	chatLimiter   *capLimiter
	embedLimiter  *capLimiter
	rerankLimiter *capLimiter
}

func New(log *logger.Logger) (Gateway, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	gwLog := log.With("client", "ModelGateway")

	apiKey := utils.GetEnv("LLM_API_KEY", "", log)
	if apiKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY")
	}
	baseURL := strings.TrimRight(utils.GetEnv("LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode", log), "/")

	maxWaiters := utils.GetEnvAsInt("LLM_MAX_WAITERS", 64, log)

	return &gateway{
		log:         gwLog,
		baseURL:     baseURL,
		apiKey:      apiKey,
		chatModel:   utils.GetEnv("LLM_CHAT_MODEL", "qwen-turbo", log),
		embedModel:  utils.GetEnv("LLM_EMBED_MODEL", "text-embedding-v3", log),
		rerankModel: utils.GetEnv("LLM_RERANK_MODEL", "gte-rerank", log),
		httpClient: &http.Client{
			Timeout: utils.GetEnvAsDuration("LLM_TIMEOUT_SECONDS", 120*time.Second, log),
		},
		retryAttempts: utils.GetEnvAsInt("LLM_RETRY_ATTEMPTS", 5, log),
		retryBase:     utils.GetEnvAsDuration("LLM_RETRY_BASE_SECONDS", 2*time.Second, log),
		retryMax:      utils.GetEnvAsDuration("LLM_RETRY_MAX_SECONDS", 60*time.Second, log),
		embedBatch:    utils.GetEnvAsInt("EMBED_BATCH", 10, log),
		embedMaxChars: utils.GetEnvAsInt("EMBED_MAX_CHARS", 2048, log),
		chatLimiter: newCapLimiter(
			utils.GetEnvAsInt("CHAT_QPM", 60, log),
			utils.GetEnvAsInt("CHAT_TPM", 100000, log),
			maxWaiters,
		),
		embedLimiter: newCapLimiter(
			utils.GetEnvAsInt("EMBED_QPM", 120, log),
			utils.GetEnvAsInt("EMBED_TPM", 1000000, log),
			maxWaiters,
		),
		rerankLimiter: newCapLimiter(
			utils.GetEnvAsInt("RERANK_QPM", 120, log),
			utils.GetEnvAsInt("RERANK_TPM", 0, log),
			maxWaiters,
		),
	}, nil
}

func (g *gateway) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (g *gateway) do(ctx context.Context, path string, body any, out any, lim *capLimiter, tokens int) error {
	ctx = ctxutil.Default(ctx)
	backoff := g.retryBase

	for attempt := 0; attempt <= g.retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := lim.acquire(ctx, tokens); err != nil {
			return err
		}

		resp, raw, err := g.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("model api decode error: %w; raw=%s", uErr, clip(string(raw), 512))
			}
			return nil
		}

		if IsOverlongInput(err) {
			return fmt.Errorf("%w: %w", svcerr.ErrOverlongInput, err)
		}
		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == g.retryAttempts {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, g.retryMax)
		sleepFor = httpx.JitterSleep(sleepFor)

		g.log.Warn("model api request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", g.retryAttempts,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
		if backoff > g.retryMax {
			backoff = g.retryMax
		}
	}

	return fmt.Errorf("unreachable retry loop")
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input, in input order, batching requests by
// EMBED_BATCH. Texts longer than EMBED_MAX_CHARS are rejected up front
// rather than truncated, so a caller can split and resubmit deliberately.
func (g *gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	clean := make([]string, len(texts))
	for i := range texts {
		s := strings.TrimSpace(texts[i])
		if s == "" {
			s = " "
		}
		if utf8.RuneCountInString(s) > g.embedMaxChars {
			return nil, fmt.Errorf("embed input %d is %d chars (limit %d): %w",
				i, utf8.RuneCountInString(s), g.embedMaxChars, svcerr.ErrOverlongInput)
		}
		clean[i] = s
	}

	out := make([][]float32, len(clean))
	for start := 0; start < len(clean); start += g.embedBatch {
		end := start + g.embedBatch
		if end > len(clean) {
			end = len(clean)
		}
		batch := clean[start:end]

		var resp embeddingsResponse
		req := embeddingsRequest{Model: g.embedModel, Input: batch}
		if err := g.do(ctx, "/v1/embeddings", req, &resp, g.embedLimiter, estimateTokens(batch...)); err != nil {
			return nil, err
		}

		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				continue
			}
			vec := make([]float32, len(d.Embedding))
			for i, f := range d.Embedding {
				vec[i] = float32(f)
			}
			out[start+d.Index] = vec
		}
	}

	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("embeddings response missing vector for input %d (model %s)", i, g.embedModel)
		}
	}
	return out, nil
}

// -------------------- Rerank --------------------

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores every document against the query with the cross-encoder.
// The returned slice is aligned with docs; a response that skips a document
// is an error rather than a silent zero.
func (g *gateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return []float64{}, nil
	}

	req := rerankRequest{
		Model:     g.rerankModel,
		Query:     query,
		Documents: docs,
	}
	var resp rerankResponse
	tokens := estimateTokens(docs...) + estimateTokens(query)
	if err := g.do(ctx, "/v1/rerank", req, &resp, g.rerankLimiter, tokens); err != nil {
		return nil, err
	}

	out := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			continue
		}
		out[r.Index] = r.RelevanceScore
		seen[r.Index] = true
	}
	for i := range seen {
		if !seen[i] {
			return nil, fmt.Errorf("rerank response missing score for document %d (model %s)", i, g.rerankModel)
		}
	}
	return out, nil
}

// -------------------- Chat completions --------------------

type chatCompletionsRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   float64        `json:"temperature"`
	TopP          float64        `json:"top_p,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

func (g *gateway) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, TokenUsage, error) {
	var usage TokenUsage
	if len(messages) == 0 {
		return "", usage, fmt.Errorf("no messages")
	}

	req := chatCompletionsRequest{
		Model:       g.chatModel,
		Messages:    messages,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
	}

	var resp chatCompletionsResponse
	if err := g.do(ctx, "/v1/chat/completions", req, &resp, g.chatLimiter, chatTokenEstimate(messages)); err != nil {
		return "", usage, err
	}
	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage, nil
}

type chatCompletionsChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage"`
}

// StreamGenerate streams completion deltas over SSE and returns the full
// text. Unlike Generate it makes a single attempt: replaying half-delivered
// output is worse than surfacing the failure.
func (g *gateway) StreamGenerate(ctx context.Context, messages []Message, opts GenerateOptions, onDelta func(delta string)) (string, TokenUsage, error) {
	var usage TokenUsage
	if len(messages) == 0 {
		return "", usage, fmt.Errorf("no messages")
	}
	ctx = ctxutil.Default(ctx)

	if err := g.chatLimiter.acquire(ctx, chatTokenEstimate(messages)); err != nil {
		return "", usage, err
	}

	reqBody := chatCompletionsRequest{
		Model:         g.chatModel,
		Messages:      messages,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		MaxTokens:     opts.MaxTokens,
		Stop:          opts.Stop,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return "", usage, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return "", usage, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", usage, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		herr := &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
		if IsOverlongInput(herr) {
			return "", usage, fmt.Errorf("%w: %w", svcerr.ErrOverlongInput, herr)
		}
		return "", usage, herr
	}

	var full strings.Builder
	err = streamSSE(resp.Body, func(_ string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		var chunk chatCompletionsChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			full.WriteString(ch.Delta.Content)
			if onDelta != nil {
				onDelta(ch.Delta.Content)
			}
		}
		return nil
	})
	if err != nil {
		return "", usage, err
	}
	return full.String(), usage, nil
}

func chatTokenEstimate(messages []Message) int {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return estimateTokens(parts...)
}

func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		ev := eventName
		eventName = ""
		if onEvent == nil {
			return nil
		}
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return flush()
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
