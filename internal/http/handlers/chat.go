package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragmind-backend/internal/http/response"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/rag"
	"github.com/yungbote/ragmind-backend/internal/repos"
)

type ChatHandler struct {
	rag   rag.Orchestrator
	chats repos.ChatRepo
}

func NewChatHandler(orchestrator rag.Orchestrator, chats repos.ChatRepo) *ChatHandler {
	return &ChatHandler{rag: orchestrator, chats: chats}
}

type ragChatBody struct {
	Query      string   `json:"query"`
	SubjectIDs []string `json:"subject_ids"`
	SubjectID  string   `json:"subject_id"`
	SessionID  string   `json:"session_id"`
	TopK       int      `json:"top_k"`
}

// POST /api/v1/rag_chat
//
// subject_ids and the single-value subject_id are interchangeable; both
// feed the permission filter.
func (h *ChatHandler) RAGChat(c *gin.Context) {
	var body ragChatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondErrorWith(c, svcerr.CodeParamError, "invalid request body: "+err.Error())
		return
	}
	subjects := body.SubjectIDs
	if s := strings.TrimSpace(body.SubjectID); s != "" {
		subjects = append(subjects, s)
	}

	answer, err := h.rag.Answer(c.Request.Context(), rag.Question{
		SessionID:  body.SessionID,
		Query:      body.Query,
		SubjectIDs: splitSubjects(subjects),
		TopK:       body.TopK,
	})
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, answer)
}

// GET /api/v1/sessions/:session_id/messages?limit=&offset=
func (h *ChatHandler) SessionMessages(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		response.RespondErrorWith(c, svcerr.CodeParamError, "session_id required")
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	exists, err := h.chats.SessionExists(ctx, nil, sessionID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	if !exists {
		response.RespondErrorWith(c, svcerr.CodeInvalidSession, "unknown session "+sessionID)
		return
	}

	msgs, err := h.chats.ListMessages(ctx, nil, sessionID, limit, offset)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"session_id": sessionID,
		"total":      len(msgs),
		"messages":   msgs,
	})
}

// intQuery parses a non-negative integer query parameter, responding with a
// parameter error itself when the value is malformed.
func intQuery(c *gin.Context, key string, fallback int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		response.RespondErrorWith(c, svcerr.CodeParamError, key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
