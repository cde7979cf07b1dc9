package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

// Converter turns office documents into PDFs through the headless
// LibreOffice sidecar. The sidecar shares the document volume with this
// service, so requests and responses carry paths, not file bodies.
type Converter interface {
	ToPDF(ctx context.Context, docPath, outputDir string) (string, error)
	Ping(ctx context.Context) error
}

// SupportedExts are the extensions the sidecar accepts. PDF itself never
// reaches the converter, and plain text is wrapped locally by the pipeline.
var SupportedExts = map[string]bool{
	".doc":  true,
	".docx": true,
	".ppt":  true,
	".pptx": true,
	".xls":  true,
	".xlsx": true,
}

type Config struct {
	URL     string
	Timeout time.Duration
}

type converter struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func New(log *logger.Logger, cfg Config) (Converter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("missing converter URL")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		// Large slide decks routinely take more than a minute.
		cfg.Timeout = 120 * time.Second
	}
	return &converter{
		log:  log.With("client", "Converter"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type convertRequest struct {
	DocPath   string `json:"doc_path"`
	OutputDir string `json:"output_dir"`
}

type convertResponse struct {
	PDFPath string `json:"pdf_path"`
	Error   string `json:"error,omitempty"`
}

func (c *converter) ToPDF(ctx context.Context, docPath, outputDir string) (string, error) {
	docPath = strings.TrimSpace(docPath)
	if docPath == "" {
		return "", fmt.Errorf("docPath required")
	}
	ext := strings.ToLower(extOf(docPath))
	if !SupportedExts[ext] {
		return "", fmt.Errorf("unsupported extension %q for conversion", ext)
	}
	ctx = ctxutil.Default(ctx)

	start := time.Now()
	resp, err := doJSON[convertResponse](c, ctx, "/convert", convertRequest{
		DocPath:   docPath,
		OutputDir: outputDir,
	})
	if err != nil {
		return "", fmt.Errorf("convert %s: %w", docPath, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("convert %s: %s", docPath, resp.Error)
	}
	if strings.TrimSpace(resp.PDFPath) == "" {
		return "", fmt.Errorf("convert %s: sidecar returned empty pdf_path", docPath)
	}

	c.log.Info("Converted document to PDF",
		"docPath", docPath,
		"pdfPath", resp.PDFPath,
		"durationMs", time.Since(start).Milliseconds())
	return resp.PDFPath, nil
}

func (c *converter) Ping(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("converter ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("converter ping http %d", resp.StatusCode)
	}
	return nil
}

func doJSON[T any](c *converter, ctx context.Context, path string, body any) (*T, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("converter http %d: %s", resp.StatusCode, clip(raw, 512))
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("converter decode error: %w; raw=%s", err, clip(raw, 512))
	}
	return &out, nil
}

func extOf(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i:]
	}
	return ""
}

func clip(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
