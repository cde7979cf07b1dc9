package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragmind-backend/internal/http/response"
	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/services"
)

type DocumentHandler struct {
	docs services.DocumentService
}

func NewDocumentHandler(docs services.DocumentService) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

type uploadBody struct {
	DocID          string   `json:"doc_id"`
	DocName        string   `json:"doc_name"`
	DocPath        string   `json:"doc_path"`
	DocHTTPURL     string   `json:"doc_http_url"`
	PermissionType string   `json:"permission_type"`
	SubjectIDs     []string `json:"subject_ids"`
	CallbackURL    string   `json:"callback_url"`
	RequestID      string   `json:"request_id"`
}

// POST /api/v1/documents
//
// Accepts either a JSON registration (doc_path on the shared volume or a
// doc_http_url to fetch) or a multipart form whose "file" part carries the
// bytes. Either way the document lands as pending and is processed
// asynchronously.
func (h *DocumentHandler) Upload(c *gin.Context) {
	var req services.UploadRequest

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			response.RespondErrorWith(c, svcerr.CodeParamError, "multipart upload requires a \"file\" part")
			return
		}
		defer file.Close()
		name := strings.TrimSpace(c.PostForm("doc_name"))
		if name == "" && header != nil {
			name = header.Filename
		}
		req = services.UploadRequest{
			DocID:          c.PostForm("doc_id"),
			DocName:        name,
			DocPath:        c.PostForm("doc_path"),
			DocHTTPURL:     c.PostForm("doc_http_url"),
			PermissionType: c.PostForm("permission_type"),
			SubjectIDs:     splitSubjects(c.PostFormArray("subject_ids")),
			CallbackURL:    c.PostForm("callback_url"),
			RequestID:      c.PostForm("request_id"),
			Content:        file,
		}
		if header != nil {
			req.Size = header.Size
		}
	} else {
		var body uploadBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.RespondErrorWith(c, svcerr.CodeParamError, "invalid request body: "+err.Error())
			return
		}
		req = services.UploadRequest{
			DocID:          body.DocID,
			DocName:        body.DocName,
			DocPath:        body.DocPath,
			DocHTTPURL:     body.DocHTTPURL,
			PermissionType: body.PermissionType,
			SubjectIDs:     splitSubjects(body.SubjectIDs),
			CallbackURL:    body.CallbackURL,
			RequestID:      body.RequestID,
		}
	}

	if req.RequestID == "" {
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
			req.RequestID = td.RequestID
		}
	}

	result, err := h.docs.Upload(c.Request.Context(), req)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, result)
}

// DELETE /api/v1/documents/:doc_id?hard=
func (h *DocumentHandler) Delete(c *gin.Context) {
	docID := c.Param("doc_id")
	hard := false
	if raw := c.Query("hard"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			response.RespondErrorWith(c, svcerr.CodeParamError, "hard must be a boolean")
			return
		}
		hard = parsed
	}
	if err := h.docs.Delete(c.Request.Context(), docID, hard); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"doc_id": docID, "hard": hard})
}

// GET /api/v1/documents/:doc_id/status
func (h *DocumentHandler) Status(c *gin.Context) {
	status, err := h.docs.Status(c.Request.Context(), c.Param("doc_id"))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, status)
}

// GET /api/v1/documents/:doc_id/segments
func (h *DocumentHandler) Segments(c *gin.Context) {
	docID := c.Param("doc_id")
	segs, err := h.docs.Segments(c.Request.Context(), docID)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"doc_id": docID, "total": len(segs), "segments": segs})
}

type permissionBody struct {
	PermissionType string   `json:"permission_type"`
	SubjectIDs     []string `json:"subject_ids"`
}

// PUT /api/v1/documents/:doc_id/permissions
func (h *DocumentHandler) ReplacePermissions(c *gin.Context) {
	docID := c.Param("doc_id")
	var body permissionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondErrorWith(c, svcerr.CodeParamError, "invalid request body: "+err.Error())
		return
	}
	subjects := splitSubjects(body.SubjectIDs)
	if err := h.docs.ReplacePermissions(c.Request.Context(), docID, body.PermissionType, subjects); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"doc_id":          docID,
		"permission_type": body.PermissionType,
		"subject_ids":     subjects,
	})
}

// POST /api/v1/documents/:doc_id/restart
func (h *DocumentHandler) Restart(c *gin.Context) {
	docID := c.Param("doc_id")
	if err := h.docs.Restart(c.Request.Context(), docID); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"doc_id": docID, "process_status": "pending"})
}

// splitSubjects flattens comma-separated entries and drops blanks, so both
// ["a","b"] and ["a,b"] arrive as two subjects.
func splitSubjects(raw []string) []string {
	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
