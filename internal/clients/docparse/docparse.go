package docparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

// Result is what the layout parser leaves behind for one PDF. All paths
// live on the shared document volume under the requested output dir:
// the block list at JSONPath, debug renders at SpansPath/LayoutPath,
// extracted figures under ImagesDir, and one PNG per page under PagesDir.
type Result struct {
	JSONPath   string `json:"json_path"`
	SpansPath  string `json:"spans_path"`
	LayoutPath string `json:"layout_path"`
	ImagesDir  string `json:"images_dir"`
	PagesDir   string `json:"pages_dir"`
	PageCount  int    `json:"page_count"`
}

// Parser calls the structural layout parser sidecar, which reads a PDF and
// emits the ordered block list (text/table/image with page indexes) the
// merge and chunk stages consume.
type Parser interface {
	Parse(ctx context.Context, pdfPath, outputDir string) (*Result, error)
	Ping(ctx context.Context) error
}

type Config struct {
	URL     string
	Timeout time.Duration
}

type parser struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func New(log *logger.Logger, cfg Config) (Parser, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("missing parser URL")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		// OCR-heavy documents are the slowest thing in the pipeline.
		cfg.Timeout = 10 * time.Minute
	}
	return &parser{
		log:  log.With("client", "DocParser"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type parseRequest struct {
	PDFPath   string `json:"pdf_path"`
	OutputDir string `json:"output_dir"`
}

type parseResponse struct {
	Result
	Error string `json:"error,omitempty"`
}

func (p *parser) Parse(ctx context.Context, pdfPath, outputDir string) (*Result, error) {
	pdfPath = strings.TrimSpace(pdfPath)
	if pdfPath == "" {
		return nil, fmt.Errorf("pdfPath required")
	}
	ctx = ctxutil.Default(ctx)

	start := time.Now()
	resp, err := doJSON[parseResponse](p, ctx, "/parse", parseRequest{
		PDFPath:   pdfPath,
		OutputDir: outputDir,
	})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pdfPath, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("parse %s: %s", pdfPath, resp.Error)
	}
	if strings.TrimSpace(resp.JSONPath) == "" {
		return nil, fmt.Errorf("parse %s: sidecar returned empty json_path", pdfPath)
	}
	if resp.PageCount <= 0 {
		return nil, fmt.Errorf("parse %s: sidecar returned page_count %d", pdfPath, resp.PageCount)
	}

	p.log.Info("Parsed document layout",
		"pdfPath", pdfPath,
		"jsonPath", resp.JSONPath,
		"pages", resp.PageCount,
		"durationMs", time.Since(start).Milliseconds())
	out := resp.Result
	return &out, nil
}

func (p *parser) Ping(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("parser ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("parser ping http %d", resp.StatusCode)
	}
	return nil
}

// PagePNGPath returns the render path for a 1-based page number. The sidecar
// writes renders under a fixed layout, so later stages can rebuild the path
// from doc_info alone after a resume.
func PagePNGPath(outputDir string, page int) string {
	return filepath.Join(outputDir, "pages", fmt.Sprintf("page_%d.png", page))
}

func doJSON[T any](p *parser, ctx context.Context, path string, body any) (*T, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("parser http %d: %s", resp.StatusCode, clip(raw, 512))
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parser decode error: %w; raw=%s", err, clip(raw, 512))
	}
	return &out, nil
}

func clip(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
