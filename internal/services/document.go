package services

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/clients/bucket"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/repos"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// allowedDocExts are the upload formats the pipeline knows how to process:
// office formats go through the converter, PDF is parsed directly, and
// plain text is wrapped locally.
var allowedDocExts = map[string]bool{
	".doc":  true,
	".docx": true,
	".ppt":  true,
	".pptx": true,
	".pdf":  true,
	".txt":  true,
	".xls":  true,
	".xlsx": true,
	".csv":  true,
	".md":   true,
}

// invalidNameChars would break path handling on at least one platform the
// document volume is mounted from.
const invalidNameChars = `<>:"/\|?*`

const maxDocNameLen = 500

type DocumentConfig struct {
	DataRoot        string        // root directory for stored sources and stage output
	FileMaxSize     int64         // bytes; larger uploads are refused
	DownloadTimeout time.Duration // budget for fetching a doc_http_url source
	PermissionType  string        // permission dimension used when the caller omits one
}

func (c *DocumentConfig) normalize() {
	if strings.TrimSpace(c.DataRoot) == "" {
		c.DataRoot = "./data"
	}
	if c.FileMaxSize <= 0 {
		c.FileMaxSize = 50 << 20
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Minute
	}
	if strings.TrimSpace(c.PermissionType) == "" {
		c.PermissionType = "dept"
	}
}

// UploadRequest carries one document into the system. Content is the
// multipart payload when the caller ships bytes; DocPath points at a file
// already on the shared volume; DocHTTPURL is fetched into local storage.
// Exactly one source is required.
type UploadRequest struct {
	DocID          string // optional; derived from doc_path|doc_name when empty
	DocName        string
	DocPath        string
	DocHTTPURL     string
	PermissionType string
	SubjectIDs     []string
	CallbackURL    string
	RequestID      string

	Content io.Reader
	Size    int64 // declared Content length; 0 when unknown
}

type UploadResult struct {
	DocID         string `json:"doc_id"`
	DocName       string `json:"doc_name"`
	ProcessStatus string `json:"process_status"`
}

type DocumentStatus struct {
	DocID           string `json:"doc_id"`
	ProcessStatus   string `json:"process_status"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ReuploadAllowed bool   `json:"reupload_allowed"`
}

// DocumentService owns the document lifecycle outside the pipeline: intake
// and re-upload arbitration, deletion across the three stores, restart, and
// the read-side status/segment/permission operations.
type DocumentService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	Delete(ctx context.Context, docID string, hard bool) error
	Restart(ctx context.Context, docID string) error
	Status(ctx context.Context, docID string) (*DocumentStatus, error)
	Segments(ctx context.Context, docID string) ([]*types.SegmentInfo, error)
	ReplacePermissions(ctx context.Context, docID, permissionType string, subjectIDs []string) error
}

type documentService struct {
	db  *gorm.DB
	log *logger.Logger
	cfg DocumentConfig

	docs  repos.DocInfoRepo
	segs  repos.SegmentRepo
	perms repos.PermissionRepo

	vectors milvus.Store
	lexical elastic.Store

	publisher bucket.Publisher // nil when no artifact bucket is configured
	http      *http.Client
}

func NewDocumentService(
	db *gorm.DB,
	baseLog *logger.Logger,
	cfg DocumentConfig,
	docs repos.DocInfoRepo,
	segs repos.SegmentRepo,
	perms repos.PermissionRepo,
	vectors milvus.Store,
	lexical elastic.Store,
	publisher bucket.Publisher,
) (DocumentService, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docs == nil || segs == nil || perms == nil {
		return nil, fmt.Errorf("metadata repos required")
	}
	if vectors == nil || lexical == nil {
		return nil, fmt.Errorf("vector and lexical stores required")
	}
	cfg.normalize()
	return &documentService{
		db:        db,
		log:       baseLog.With("service", "DocumentService"),
		cfg:       cfg,
		docs:      docs,
		segs:      segs,
		perms:     perms,
		vectors:   vectors,
		lexical:   lexical,
		publisher: publisher,
		http:      &http.Client{Timeout: cfg.DownloadTimeout},
	}, nil
}

// DeriveDocID builds the default document identity: the md5 of the
// caller-visible path and name. The same source registered twice therefore
// lands on the same row, which is what the re-upload rules key off.
func DeriveDocID(docPath, docName string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(docPath+"|"+docName)))
}

// Upload validates and registers one document as pending; the scheduler
// picks it up from there. A doc_id collision is arbitrated by the state of
// the existing row: still processing means the caller must wait, finished
// means the caller must delete first, failed means the remnants are purged
// and the new upload takes the slot.
func (s *documentService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	name, ext, err := s.resolveName(req)
	if err != nil {
		return nil, err
	}
	if req.Content == nil && strings.TrimSpace(req.DocPath) == "" && strings.TrimSpace(req.DocHTTPURL) == "" {
		return nil, svcerr.New(svcerr.CodeParamError, "document source required: content, doc_path or doc_http_url")
	}
	if req.Size > s.cfg.FileMaxSize {
		return nil, svcerr.New(svcerr.CodeFileTooLarge, fmt.Sprintf("file exceeds %d bytes", s.cfg.FileMaxSize))
	}

	docID := strings.TrimSpace(req.DocID)
	if docID == "" {
		identity := strings.TrimSpace(req.DocPath)
		if identity == "" {
			identity = strings.TrimSpace(req.DocHTTPURL)
		}
		docID = DeriveDocID(identity, name)
	}
	log := s.log.With("doc_id", docID, "request_id", req.RequestID)

	if err := s.arbitrateReupload(ctx, log, docID); err != nil {
		return nil, err
	}

	docPath, err := s.materializeSource(ctx, log, docID, name, req)
	if err != nil {
		return nil, err
	}

	httpURL := strings.TrimSpace(req.DocHTTPURL)
	if s.publisher != nil && docPath != "" {
		publicURL, pubErr := s.publisher.PublishFile(ctx, bucket.ObjectKey(docID, "source", name), docPath)
		if pubErr != nil {
			log.Warn("Source publish failed, keeping local path", "error", pubErr)
		} else if httpURL == "" {
			httpURL = publicURL
		}
	}

	doc := &types.DocInfo{
		DocID:         docID,
		DocName:       name,
		DocExt:        ext,
		DocPath:       docPath,
		DocHTTPURL:    httpURL,
		OutputDir:     filepath.Join(s.cfg.DataRoot, "output", docID),
		ProcessStatus: types.StatusPending,
		RequestID:     strings.TrimSpace(req.RequestID),
		CallbackURL:   strings.TrimSpace(req.CallbackURL),
	}
	permType := strings.TrimSpace(req.PermissionType)
	if permType == "" {
		permType = s.cfg.PermissionType
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.docs.Create(ctx, tx, doc); err != nil {
			return err
		}
		return s.perms.ReplaceForDoc(ctx, tx, docID, permType, req.SubjectIDs)
	})
	if err != nil {
		if errors.Is(err, svcerr.ErrDuplicate) {
			// Lost the race against a concurrent upload of the same source.
			return nil, fmt.Errorf("doc %s: concurrent upload: %w", docID, svcerr.ErrConflict)
		}
		return nil, svcerr.Wrap(svcerr.CodeStoreInsertFail, "document insert failed", err)
	}

	log.Info("Accepted document", "doc_name", name, "ext", ext, "subjects", len(req.SubjectIDs))
	return &UploadResult{DocID: docID, DocName: name, ProcessStatus: types.StatusPending}, nil
}

// resolveName picks the document name from the request, falling back to the
// basename of the path or URL, and validates it.
func (s *documentService) resolveName(req UploadRequest) (string, string, error) {
	name := strings.TrimSpace(req.DocName)
	if name == "" && strings.TrimSpace(req.DocPath) != "" {
		name = filepath.Base(strings.TrimSpace(req.DocPath))
	}
	if name == "" && strings.TrimSpace(req.DocHTTPURL) != "" {
		if u, err := url.Parse(strings.TrimSpace(req.DocHTTPURL)); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "." || name == "/" {
		return "", "", svcerr.New(svcerr.CodeParamError, "doc_name required")
	}
	if len([]rune(name)) > maxDocNameLen {
		return "", "", svcerr.New(svcerr.CodeInvalidFilename, fmt.Sprintf("document name longer than %d characters", maxDocNameLen))
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidNameChars, r) {
			return "", "", svcerr.New(svcerr.CodeInvalidFilename, fmt.Sprintf("document name contains unsupported characters (%s or control characters)", invalidNameChars))
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedDocExts[ext] {
		return "", "", svcerr.New(svcerr.CodeUnsupportedFormat, fmt.Sprintf("unsupported document format %q", ext))
	}
	return name, ext, nil
}

// arbitrateReupload applies the duplicate rules against the existing row,
// purging remnants when the previous run failed or the document was
// tombstoned.
func (s *documentService) arbitrateReupload(ctx context.Context, log *logger.Logger, docID string) error {
	existing, err := s.docs.GetByDocID(ctx, nil, docID)
	if errors.Is(err, svcerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return svcerr.Wrap(svcerr.CodeStoreQueryFail, "duplicate lookup failed", err)
	}

	switch {
	case existing.IsDeleted || types.IsFailureStatus(existing.ProcessStatus):
		log.Info("Purging previous run before re-upload", "previous_status", existing.ProcessStatus, "tombstoned", existing.IsDeleted)
		if err := s.purgeStores(ctx, docID); err != nil {
			return err
		}
		s.removeLocalArtifacts(log, existing)
		return nil
	case existing.ProcessStatus == types.StatusSplited:
		return svcerr.New(svcerr.CodeFileExists, "document already processed; delete it before uploading again")
	default:
		return fmt.Errorf("doc %s is %s: %w", docID, existing.ProcessStatus, svcerr.ErrConflict)
	}
}

// materializeSource lands the document bytes on the shared volume and
// returns the local path the pipeline will read. Path-registered documents
// are validated in place, multipart bodies and remote URLs are copied under
// DataRoot with the size cap enforced mid-stream.
func (s *documentService) materializeSource(ctx context.Context, log *logger.Logger, docID, name string, req UploadRequest) (string, error) {
	if req.Content != nil {
		return s.storeStream(log, docID, name, req.Content)
	}

	if p := strings.TrimSpace(req.DocPath); p != "" {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return "", svcerr.Wrap(svcerr.CodeFileNotFound, fmt.Sprintf("source file %s not found", p), err)
			}
			return "", fmt.Errorf("stat source %s: %w", p, err)
		}
		if info.IsDir() {
			return "", svcerr.New(svcerr.CodeParamError, fmt.Sprintf("source %s is a directory", p))
		}
		if info.Size() > s.cfg.FileMaxSize {
			return "", svcerr.New(svcerr.CodeFileTooLarge, fmt.Sprintf("file exceeds %d bytes", s.cfg.FileMaxSize))
		}
		return p, nil
	}

	return s.downloadSource(ctx, log, docID, name, strings.TrimSpace(req.DocHTTPURL))
}

func (s *documentService) storeStream(log *logger.Logger, docID, name string, r io.Reader) (string, error) {
	dir := filepath.Join(s.cfg.DataRoot, "uploads", docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	written, err := io.Copy(out, io.LimitReader(r, s.cfg.FileMaxSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("store upload: %w", err)
	}
	if written > s.cfg.FileMaxSize {
		_ = os.Remove(dest)
		return "", svcerr.New(svcerr.CodeFileTooLarge, fmt.Sprintf("file exceeds %d bytes", s.cfg.FileMaxSize))
	}
	log.Debug("Stored upload", "path", dest, "bytes", written)
	return dest, nil
}

func (s *documentService) downloadSource(ctx context.Context, log *logger.Logger, docID, name, rawURL string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", svcerr.Wrap(svcerr.CodeParamError, fmt.Sprintf("invalid doc_http_url %q", rawURL), err)
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", svcerr.Wrap(svcerr.CodeFileNotFound, fmt.Sprintf("fetch %s failed", rawURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", svcerr.New(svcerr.CodeFileNotFound, fmt.Sprintf("fetch %s: status %d", rawURL, resp.StatusCode))
	}
	if resp.ContentLength > s.cfg.FileMaxSize {
		return "", svcerr.New(svcerr.CodeFileTooLarge, fmt.Sprintf("file exceeds %d bytes", s.cfg.FileMaxSize))
	}
	return s.storeStream(log, docID, name, resp.Body)
}

// Delete removes a document. Soft keeps the row as a tombstone and drops
// its permission links, so the document disappears from retrieval but can
// be re-uploaded later. Hard deletes the derived lexical and vector rows
// first and the SQL rows last, so an interrupted delete leaves orphans only
// in the stores the sweeper already repairs. Deleting an unknown doc_id is
// a no-op.
func (s *documentService) Delete(ctx context.Context, docID string, hard bool) error {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return svcerr.New(svcerr.CodeParamError, "doc_id required")
	}
	log := s.log.With("doc_id", docID)

	doc, err := s.docs.GetByDocID(ctx, nil, docID)
	if errors.Is(err, svcerr.ErrNotFound) {
		log.Info("Delete of unknown document, nothing to do")
		return nil
	}
	if err != nil {
		return svcerr.Wrap(svcerr.CodeStoreQueryFail, "document lookup failed", err)
	}

	if !hard {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.docs.SoftDelete(ctx, tx, docID); err != nil {
				return err
			}
			return s.perms.DeleteByDocID(ctx, tx, docID)
		})
		if err != nil {
			return svcerr.Wrap(svcerr.CodeStoreDeleteFail, "soft delete failed", err)
		}
		log.Info("Soft-deleted document")
		return nil
	}

	if err := s.purgeStores(ctx, docID); err != nil {
		return err
	}
	s.removeLocalArtifacts(log, doc)
	if s.publisher != nil {
		if err := s.publisher.DeletePrefix(ctx, docID+"/"); err != nil {
			log.Warn("Artifact prefix delete failed", "error", err)
		}
	}
	log.Info("Hard-deleted document")
	return nil
}

// purgeStores removes the derived rows and then the SQL rows: lexical,
// vector, SQL, in that order. Failures surface to the caller; whatever was
// already removed stays removed and the rest is retried on the next attempt
// or by the sweeper once the document sits in a failure state.
func (s *documentService) purgeStores(ctx context.Context, docID string) error {
	if err := s.lexical.DeleteByDoc(ctx, docID); err != nil {
		return svcerr.Wrap(svcerr.CodeStoreDeleteFail, "lexical delete failed", err)
	}
	if err := s.vectors.DeleteByDoc(ctx, docID); err != nil {
		return svcerr.Wrap(svcerr.CodeStoreDeleteFail, "vector delete failed", err)
	}
	if err := s.docs.Delete(ctx, nil, docID); err != nil {
		return svcerr.Wrap(svcerr.CodeStoreDeleteFail, "metadata delete failed", err)
	}
	return nil
}

// removeLocalArtifacts clears the directories this service owns under
// DataRoot. Sources registered by path stay where the caller put them.
func (s *documentService) removeLocalArtifacts(log *logger.Logger, doc *types.DocInfo) {
	for _, dir := range []string{
		filepath.Join(s.cfg.DataRoot, "uploads", doc.DocID),
		doc.OutputDir,
	} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("Local artifact cleanup failed", "dir", dir, "error", err)
		}
	}
}

// Restart sends a failed document back to pending with its error cleared.
func (s *documentService) Restart(ctx context.Context, docID string) error {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return svcerr.New(svcerr.CodeParamError, "doc_id required")
	}
	if err := s.docs.ResetForRestart(ctx, nil, docID); err != nil {
		if errors.Is(err, svcerr.ErrIllegalTransition) {
			return svcerr.Wrap(svcerr.CodeParamError, "restart is allowed only from a failure status", err)
		}
		return err
	}
	s.log.Info("Restarted document", "doc_id", docID)
	return nil
}

// Status reports where a document sits in the pipeline and whether a
// re-upload would be accepted.
func (s *documentService) Status(ctx context.Context, docID string) (*DocumentStatus, error) {
	doc, err := s.fetchVisible(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &DocumentStatus{
		DocID:           doc.DocID,
		ProcessStatus:   doc.ProcessStatus,
		ErrorMessage:    doc.ErrorMessage,
		ReuploadAllowed: types.IsFailureStatus(doc.ProcessStatus),
	}, nil
}

// Segments lists the persisted chunks for a document in page order. Before
// the chunk stage has run the list is empty, which callers can tell apart
// from an unknown document by the error.
func (s *documentService) Segments(ctx context.Context, docID string) ([]*types.SegmentInfo, error) {
	if _, err := s.fetchVisible(ctx, docID); err != nil {
		return nil, err
	}
	segs, err := s.segs.GetByDocID(ctx, nil, docID)
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeStoreQueryFail, "segment listing failed", err)
	}
	return segs, nil
}

// ReplacePermissions swaps the full permission link set for a document.
// An empty subject list makes the document unrestricted.
func (s *documentService) ReplacePermissions(ctx context.Context, docID, permissionType string, subjectIDs []string) error {
	doc, err := s.fetchVisible(ctx, docID)
	if err != nil {
		return err
	}
	permType := strings.TrimSpace(permissionType)
	if permType == "" {
		permType = s.cfg.PermissionType
	}
	if err := s.perms.ReplaceForDoc(ctx, nil, doc.DocID, permType, subjectIDs); err != nil {
		return svcerr.Wrap(svcerr.CodeStoreUpdateFail, "permission replace failed", err)
	}
	s.log.Info("Replaced document permissions", "doc_id", doc.DocID, "permission_type", permType, "subjects", len(subjectIDs))
	return nil
}

// fetchVisible loads a document and hides tombstoned rows from read paths.
func (s *documentService) fetchVisible(ctx context.Context, docID string) (*types.DocInfo, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, svcerr.New(svcerr.CodeParamError, "doc_id required")
	}
	doc, err := s.docs.GetByDocID(ctx, nil, docID)
	if err != nil {
		return nil, err
	}
	if doc.IsDeleted {
		return nil, fmt.Errorf("doc %s: %w", docID, svcerr.ErrNotFound)
	}
	return doc, nil
}
