package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/ragmind-backend/internal/clients/bucket"
	"github.com/yungbote/ragmind-backend/internal/clients/convert"
	"github.com/yungbote/ragmind-backend/internal/clients/docparse"
	"github.com/yungbote/ragmind-backend/internal/clients/elastic"
	"github.com/yungbote/ragmind-backend/internal/clients/milvus"
	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/clients/statussync"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/repos"
	"github.com/yungbote/ragmind-backend/internal/types"
)

type PipelineConfig struct {
	Workers       int           // claiming goroutines
	StaleAfter    time.Duration // mid-pipeline documents older than this are resumed
	SweepInterval time.Duration // cadence of the failure-state index sweep

	ParseConcurrency     int // semaphore across workers for the parse stage
	VectorizeConcurrency int // semaphore across workers for the vectorize stage

	ConvertTimeout   time.Duration
	ParseTimeout     time.Duration
	MergeTimeout     time.Duration
	ChunkTimeout     time.Duration
	VectorizeTimeout time.Duration

	SegmentBatch int // segments embedded and indexed per round trip
}

func (c *PipelineConfig) normalize() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.ParseConcurrency <= 0 {
		c.ParseConcurrency = 2
	}
	if c.VectorizeConcurrency <= 0 {
		c.VectorizeConcurrency = 2
	}
	if c.ConvertTimeout <= 0 {
		c.ConvertTimeout = 5 * time.Minute
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = 15 * time.Minute
	}
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = 5 * time.Minute
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 2 * time.Minute
	}
	if c.VectorizeTimeout <= 0 {
		c.VectorizeTimeout = 30 * time.Minute
	}
	if c.SegmentBatch <= 0 {
		c.SegmentBatch = 10
	}
}

// Deps are the collaborators a pipeline drives. Publisher may be nil, in
// which case page renders keep their local paths.
type Deps struct {
	Docs     repos.DocInfoRepo
	Pages    repos.DocPageRepo
	Segments repos.SegmentRepo

	Converter convert.Converter
	Parser    docparse.Parser
	Gateway   modelgateway.Gateway
	Vectors   milvus.Store
	Lexical   elastic.Store
	Notifier  statussync.Notifier
	Publisher bucket.Publisher
}

// Pipeline owns every document between pending and a terminal status. Each
// worker claims one document at a time and drives it stage by stage; only
// the scheduler mutates process_status, so a stage function can be retried
// after a crash without any compensation logic of its own.
type Pipeline struct {
	log  *logger.Logger
	cfg  PipelineConfig
	deps Deps

	merger  *Merger
	chunker *Chunker

	parseSem     *semaphore.Weighted
	vectorizeSem *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(log *logger.Logger, cfg PipelineConfig, deps Deps, merger *Merger, chunker *Chunker) (*Pipeline, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if deps.Docs == nil || deps.Pages == nil || deps.Segments == nil {
		return nil, fmt.Errorf("metadata repos required")
	}
	if deps.Converter == nil || deps.Parser == nil || deps.Gateway == nil {
		return nil, fmt.Errorf("converter, parser and model gateway required")
	}
	if deps.Vectors == nil || deps.Lexical == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("vector store, lexical store and status notifier required")
	}
	if merger == nil || chunker == nil {
		return nil, fmt.Errorf("merger and chunker required")
	}
	cfg.normalize()
	return &Pipeline{
		log:          log.With("component", "Pipeline"),
		cfg:          cfg,
		deps:         deps,
		merger:       merger,
		chunker:      chunker,
		parseSem:     semaphore.NewWeighted(int64(cfg.ParseConcurrency)),
		vectorizeSem: semaphore.NewWeighted(int64(cfg.VectorizeConcurrency)),
	}, nil
}

// Start launches the worker pool and the sweeper. Call Close to stop them;
// a document mid-stage at shutdown stays in its active status and is picked
// back up by the staleness clause of the claim.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.sweeper(ctx)
	p.log.Info("Pipeline started",
		"workers", p.cfg.Workers,
		"stale_after", p.cfg.StaleAfter.String(),
		"sweep_interval", p.cfg.SweepInterval.String(),
	)
}

func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doc, err := p.deps.Docs.ClaimNextRunnable(ctx, nil, p.cfg.StaleAfter)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("Claim failed", "worker", id, "error", err)
				}
				continue
			}
			if doc == nil {
				continue
			}
			p.drive(ctx, doc)
		}
	}
}

// drive walks one claimed document toward a terminal status. Boundary
// statuses (parsed, merged, chunked) only advance; active statuses run
// their stage first. The loop stops on the first transition that does not
// take, which covers deletion and competing claims.
func (p *Pipeline) drive(ctx context.Context, doc *types.DocInfo) {
	log := p.log.With("doc_id", doc.DocID, "request_id", doc.RequestID)
	log.Info("Claimed document", "status", doc.ProcessStatus, "doc_name", doc.DocName)

	for !types.IsTerminalStatus(doc.ProcessStatus) {
		if ctx.Err() != nil {
			return
		}
		var ok bool
		switch doc.ProcessStatus {
		case types.StatusConverting:
			ok = p.execute(ctx, doc, pipelineStage{
				name:    "convert",
				success: types.StatusParsing,
				failure: types.StatusConvertFailed,
				timeout: p.cfg.ConvertTimeout,
				run:     p.stageConvert,
			})
		case types.StatusParsing:
			ok = p.execute(ctx, doc, pipelineStage{
				name:    "parse",
				success: types.StatusParsed,
				failure: types.StatusParseFailed,
				timeout: p.cfg.ParseTimeout,
				sem:     p.parseSem,
				run:     p.stageParse,
			})
		case types.StatusParsed:
			ok = p.transition(ctx, doc, types.StatusMerging, "")
		case types.StatusMerging:
			ok = p.execute(ctx, doc, pipelineStage{
				name:    "merge",
				success: types.StatusMerged,
				failure: types.StatusMergeFailed,
				timeout: p.cfg.MergeTimeout,
				run:     p.stageMerge,
			})
		case types.StatusMerged:
			ok = p.transition(ctx, doc, types.StatusChunking, "")
		case types.StatusChunking:
			ok = p.execute(ctx, doc, pipelineStage{
				name:    "chunk",
				success: types.StatusChunked,
				failure: types.StatusChunkFailed,
				timeout: p.cfg.ChunkTimeout,
				run:     p.stageChunk,
			})
		case types.StatusChunked:
			ok = p.transition(ctx, doc, types.StatusVectorizing, "")
		case types.StatusVectorizing:
			ok = p.execute(ctx, doc, pipelineStage{
				name:    "vectorize",
				success: types.StatusSplited,
				failure: types.StatusSplitFailed,
				timeout: p.cfg.VectorizeTimeout,
				sem:     p.vectorizeSem,
				run:     p.stageVectorize,
			})
		default:
			log.Error("Claimed document in unexpected status", "status", doc.ProcessStatus)
			return
		}
		if !ok {
			return
		}
	}
	log.Info("Document reached terminal status", "status", doc.ProcessStatus)
}

type pipelineStage struct {
	name    string
	success string
	failure string
	timeout time.Duration
	sem     *semaphore.Weighted
	run     func(ctx context.Context, doc *types.DocInfo) error
}

// execute runs one stage under its semaphore and timeout, heartbeating so
// the document is not mistaken for stale while work is in flight. Shutdown
// mid-stage leaves the status untouched; everything else that goes wrong
// lands in the stage's failure status.
func (p *Pipeline) execute(ctx context.Context, doc *types.DocInfo, st pipelineStage) bool {
	if st.sem != nil {
		if err := st.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		defer st.sem.Release(1)
	}

	stageCtx := ctx
	if st.timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, st.timeout)
		defer cancel()
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go p.heartbeat(hbCtx, doc.DocID)

	start := time.Now()
	err := p.runRecovered(stageCtx, st, doc)
	hbCancel()

	if err != nil {
		if ctx.Err() != nil {
			// shutdown, not a stage failure; the stale claim resumes it
			return false
		}
		p.log.Error("Stage failed",
			"doc_id", doc.DocID,
			"stage", st.name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		p.transition(ctx, doc, st.failure, err.Error())
		return false
	}

	p.log.Info("Stage completed",
		"doc_id", doc.DocID,
		"stage", st.name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return p.transition(ctx, doc, st.success, "")
}

func (p *Pipeline) runRecovered(ctx context.Context, st pipelineStage, doc *types.DocInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Stage panic", "doc_id", doc.DocID, "stage", st.name, "panic", r)
			err = fmt.Errorf("%s stage panic: %v", st.name, r)
		}
	}()
	return st.run(ctx, doc)
}

// transition applies one status edge, mirrors it on the in-memory document
// and hands the new status to the synchronizer, which decides whether it is
// a milestone worth telling the uploader about.
func (p *Pipeline) transition(ctx context.Context, doc *types.DocInfo, to, errMsg string) bool {
	from := doc.ProcessStatus
	if err := p.deps.Docs.UpdateStatus(ctx, nil, doc.DocID, from, to, errMsg); err != nil {
		if ctx.Err() == nil {
			p.log.Error("Status transition refused",
				"doc_id", doc.DocID, "from", from, "to", to, "error", err)
		}
		return false
	}
	doc.ProcessStatus = to
	doc.ErrorMessage = errMsg

	p.deps.Notifier.Notify(statussync.Event{
		DocID:       doc.DocID,
		Status:      to,
		RequestID:   doc.RequestID,
		CallbackURL: doc.CallbackURL,
	})
	return true
}

func (p *Pipeline) heartbeat(ctx context.Context, docID string) {
	interval := p.cfg.StaleAfter / 3
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.deps.Docs.Heartbeat(ctx, nil, docID); err != nil && ctx.Err() == nil {
				p.log.Warn("Heartbeat failed", "doc_id", docID, "error", err)
			}
		}
	}
}

// -------------------- stages --------------------

// plainTextExts are ingested without a PDF rendition: their content is
// wrapped as a single text page during parse.
var plainTextExts = map[string]bool{".txt": true, ".csv": true, ".md": true}

func (p *Pipeline) stageConvert(ctx context.Context, doc *types.DocInfo) error {
	ext := strings.ToLower(doc.DocExt)
	switch {
	case ext == ".pdf":
		// already a PDF, nothing to convert
		return p.recordPDFPath(ctx, doc, doc.DocPath)
	case plainTextExts[ext]:
		return nil
	default:
		pdfPath, err := p.deps.Converter.ToPDF(ctx, doc.DocPath, doc.OutputDir)
		if err != nil {
			return fmt.Errorf("convert %s: %w", ext, err)
		}
		return p.recordPDFPath(ctx, doc, pdfPath)
	}
}

func (p *Pipeline) recordPDFPath(ctx context.Context, doc *types.DocInfo, pdfPath string) error {
	if err := p.deps.Docs.UpdateFields(ctx, nil, doc.DocID, map[string]interface{}{"pdf_path": pdfPath}); err != nil {
		return fmt.Errorf("record pdf_path: %w", err)
	}
	doc.PDFPath = pdfPath
	return nil
}

func (p *Pipeline) stageParse(ctx context.Context, doc *types.DocInfo) error {
	if plainTextExts[strings.ToLower(doc.DocExt)] {
		return p.wrapPlainText(ctx, doc)
	}
	if doc.PDFPath == "" {
		return fmt.Errorf("parse: no pdf_path recorded for %s", doc.DocID)
	}

	res, err := p.deps.Parser.Parse(ctx, doc.PDFPath, doc.OutputDir)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	mergedDir := filepath.Join(doc.OutputDir, "merged")
	updates := map[string]interface{}{
		"json_path":   res.JSONPath,
		"spans_path":  res.SpansPath,
		"layout_path": res.LayoutPath,
		"images_dir":  res.ImagesDir,
		"merged_dir":  mergedDir,
		"page_count":  res.PageCount,
	}
	if err := p.deps.Docs.UpdateFields(ctx, nil, doc.DocID, updates); err != nil {
		return fmt.Errorf("record parse artifacts: %w", err)
	}
	doc.JSONPath = res.JSONPath
	doc.SpansPath = res.SpansPath
	doc.LayoutPath = res.LayoutPath
	doc.ImagesDir = res.ImagesDir
	doc.MergedDir = mergedDir
	doc.PageCount = res.PageCount
	return nil
}

// wrapPlainText turns a .txt/.csv/.md upload into the same block-list shape
// the layout parser produces: one text block on page zero.
func (p *Pipeline) wrapPlainText(ctx context.Context, doc *types.DocInfo) error {
	content, err := os.ReadFile(doc.DocPath)
	if err != nil {
		return fmt.Errorf("read plain text source: %w", err)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return fmt.Errorf("plain text source is empty")
	}

	if err := os.MkdirAll(doc.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	jsonPath := filepath.Join(doc.OutputDir, "content_blocks.json")
	blocks := []ParsedBlock{{Type: BlockText, Text: text, PageIdx: 0}}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return err
	}
	if err := os.WriteFile(jsonPath, raw, 0o644); err != nil {
		return fmt.Errorf("write wrapped blocks: %w", err)
	}

	mergedDir := filepath.Join(doc.OutputDir, "merged")
	updates := map[string]interface{}{
		"json_path":  jsonPath,
		"merged_dir": mergedDir,
		"page_count": 1,
	}
	if err := p.deps.Docs.UpdateFields(ctx, nil, doc.DocID, updates); err != nil {
		return fmt.Errorf("record parse artifacts: %w", err)
	}
	doc.JSONPath = jsonPath
	doc.MergedDir = mergedDir
	doc.PageCount = 1
	return nil
}

func (p *Pipeline) stageMerge(ctx context.Context, doc *types.DocInfo) error {
	if doc.JSONPath == "" {
		return fmt.Errorf("merge: no json_path recorded for %s", doc.DocID)
	}
	mergedDir := doc.MergedDir
	if mergedDir == "" {
		mergedDir = filepath.Join(doc.OutputDir, "merged")
		if err := p.deps.Docs.UpdateFields(ctx, nil, doc.DocID, map[string]interface{}{"merged_dir": mergedDir}); err != nil {
			return err
		}
		doc.MergedDir = mergedDir
	}

	blocks, err := LoadParsedBlocks(doc.JSONPath)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	// A re-parse can produce fewer pages than the previous run; clear the
	// directory so stale page files do not survive the rewrite.
	if err := os.RemoveAll(mergedDir); err != nil {
		return fmt.Errorf("merge: clear %s: %w", mergedDir, err)
	}
	if _, err := p.merger.Merge(ctx, blocks, mergedDir); err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	return p.recordPages(ctx, doc)
}

// recordPages writes one doc_page_info row per rendered page so retrieval
// can attach a page render to every citation. Renders are published to the
// artifact bucket when one is configured; a failed upload keeps the local
// path rather than failing the stage.
func (p *Pipeline) recordPages(ctx context.Context, doc *types.DocInfo) error {
	pages := make([]*types.DocPageInfo, 0, doc.PageCount)
	for page := 1; page <= doc.PageCount; page++ {
		pngPath := docparse.PagePNGPath(doc.OutputDir, page)
		if _, err := os.Stat(pngPath); err != nil {
			// plain text wraps have no renders
			pages = append(pages, &types.DocPageInfo{DocID: doc.DocID, PageIdx: page})
			continue
		}
		if p.deps.Publisher != nil {
			key := bucket.ObjectKey(doc.DocID, "pages", fmt.Sprintf("page_%d.png", page))
			if url, err := p.deps.Publisher.PublishFile(ctx, key, pngPath); err != nil {
				p.log.Warn("Page render upload failed, keeping local path",
					"doc_id", doc.DocID, "page", page, "error", err)
			} else {
				pngPath = url
			}
		}
		pages = append(pages, &types.DocPageInfo{DocID: doc.DocID, PageIdx: page, PagePNGPath: pngPath})
	}
	if err := p.deps.Pages.ReplaceForDoc(ctx, nil, doc.DocID, pages); err != nil {
		return fmt.Errorf("record pages: %w", err)
	}
	return nil
}

func (p *Pipeline) stageChunk(ctx context.Context, doc *types.DocInfo) error {
	pageIdxs, pages, err := LoadMergedPages(doc.MergedDir)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	segs := p.chunker.Chunk(doc.DocID, pageIdxs, pages)
	if len(segs) == 0 {
		return fmt.Errorf("chunk: document produced no segments")
	}

	// replace-by-doc keeps re-running the stage idempotent
	if err := p.deps.Segments.DeleteByDocID(ctx, nil, doc.DocID); err != nil {
		return fmt.Errorf("chunk: clear previous segments: %w", err)
	}
	rows := make([]*types.SegmentInfo, len(segs))
	for i := range segs {
		rows[i] = &segs[i]
	}
	if err := p.deps.Segments.CreateInBatches(ctx, nil, rows); err != nil {
		return fmt.Errorf("chunk: persist segments: %w", err)
	}
	return nil
}

func (p *Pipeline) stageVectorize(ctx context.Context, doc *types.DocInfo) error {
	segs, err := p.deps.Segments.ListIndexable(ctx, nil, doc.DocID)
	if err != nil {
		return fmt.Errorf("vectorize: list segments: %w", err)
	}
	if err := p.indexSegments(ctx, doc, segs); err != nil {
		// rows already written to the stores must not become reachable
		p.cleanupIndexes(doc.DocID)
		return err
	}
	return nil
}

func (p *Pipeline) indexSegments(ctx context.Context, doc *types.DocInfo, segs []*types.SegmentInfo) error {
	for start := 0; start < len(segs); start += p.cfg.SegmentBatch {
		end := start + p.cfg.SegmentBatch
		if end > len(segs) {
			end = len(segs)
		}
		batch := segs[start:end]

		texts := make([]string, len(batch))
		for i, s := range batch {
			texts[i] = s.SegContent
		}
		vectors, err := p.deps.Gateway.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("vectorize: embed batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("vectorize: embed returned %d vectors for %d texts", len(vectors), len(batch))
		}

		denseRecords := make([]milvus.Record, len(batch))
		lexicalRecords := make([]elastic.Record, len(batch))
		for i, s := range batch {
			denseRecords[i] = milvus.Record{
				SegID:   s.SegID,
				DocID:   s.DocID,
				SegType: s.SegType,
				PageIdx: s.SegPageIdx,
				Vector:  vectors[i],
			}
			lexicalRecords[i] = elastic.Record{
				SegID:      s.SegID,
				DocID:      s.DocID,
				SegType:    s.SegType,
				SegContent: s.SegContent,
				PageIdx:    s.SegPageIdx,
			}
		}
		if err := p.deps.Vectors.Upsert(ctx, denseRecords); err != nil {
			return fmt.Errorf("vectorize: vector upsert at %d: %w", start, err)
		}
		if err := p.deps.Lexical.Index(ctx, lexicalRecords); err != nil {
			return fmt.Errorf("vectorize: lexical index at %d: %w", start, err)
		}
	}
	p.log.Info("Indexed document", "doc_id", doc.DocID, "segments", len(segs))
	return nil
}

// cleanupIndexes removes whatever a failed vectorize run managed to write.
// Best-effort on purpose: the sweeper re-runs the same deletes for every
// document sitting in a failure status.
func (p *Pipeline) cleanupIndexes(docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.deps.Vectors.DeleteByDoc(ctx, docID); err != nil {
		p.log.Warn("Vector cleanup failed, sweeper will retry", "doc_id", docID, "error", err)
	}
	if err := p.deps.Lexical.DeleteByDoc(ctx, docID); err != nil {
		p.log.Warn("Lexical cleanup failed, sweeper will retry", "doc_id", docID, "error", err)
	}
}

// -------------------- sweeper --------------------

func (p *Pipeline) sweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep re-runs store deletions for documents stuck in failure states, so
// a cleanup that lost its race with an outage eventually happens anyway.
func (p *Pipeline) sweep(ctx context.Context) {
	docs, err := p.deps.Docs.ListByStatus(ctx, nil, types.FailureStatuses())
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Sweep listing failed", "error", err)
		}
		return
	}
	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		if err := p.deps.Vectors.DeleteByDoc(ctx, doc.DocID); err != nil {
			p.log.Warn("Sweep vector delete failed", "doc_id", doc.DocID, "error", err)
			continue
		}
		if err := p.deps.Lexical.DeleteByDoc(ctx, doc.DocID); err != nil {
			p.log.Warn("Sweep lexical delete failed", "doc_id", doc.DocID, "error", err)
		}
	}
	if len(docs) > 0 {
		p.log.Debug("Swept failure-state documents", "count", len(docs))
	}
}
