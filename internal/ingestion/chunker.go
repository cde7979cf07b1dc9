package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// sentenceSeparators order the boundaries the splitter prefers when a
// paragraph exceeds the soft limit, strongest first.
var sentenceSeparators = []string{"\n\n", "\n", "。", "！", "？", "!", "?", "; ", " "}

type ChunkerConfig struct {
	SoftLimit   int  // target chunk size in runes
	Overlap     int  // runes carried between adjacent chunks of one paragraph
	PageSummary bool // emit one page_summary segment per page
}

func (c *ChunkerConfig) normalize() {
	if c.SoftLimit <= 0 {
		c.SoftLimit = 800
	}
	if c.Overlap < 0 || c.Overlap >= c.SoftLimit {
		c.Overlap = 100
	}
}

// Chunker turns merged page blocks into segments. It is deterministic:
// identical input produces identical seg_ids and contents, which is what
// makes re-running the chunk stage idempotent.
type Chunker struct {
	log *logger.Logger
	cfg ChunkerConfig
}

func NewChunker(log *logger.Logger, cfg ChunkerConfig) *Chunker {
	cfg.normalize()
	return &Chunker{log: log.With("service", "Chunker"), cfg: cfg}
}

// Chunk walks pages in ascending order. Page indexes arrive 0-based from
// the parser; emitted segments carry 1-based seg_page_idx.
func (c *Chunker) Chunk(docID string, pageIndexes []int, pages map[int][]Block) []types.SegmentInfo {
	var segments []types.SegmentInfo

	for _, pageIdx := range pageIndexes {
		page := pageIdx + 1
		ordinal := 0
		currentTitle := ""

		emit := func(segType, content, imagePath, caption, footnote string) {
			segments = append(segments, types.SegmentInfo{
				SegID:        types.SegID(docID, page, ordinal, segType),
				DocID:        docID,
				SegContent:   content,
				SegImagePath: imagePath,
				SegCaption:   caption,
				SegFootnote:  footnote,
				SegLen:       utf8.RuneCountInString(content),
				SegType:      segType,
				SegPageIdx:   page,
			})
			ordinal++
		}

		for _, b := range pages[pageIdx] {
			switch b.Type {
			case BlockTitle:
				currentTitle = b.Text

			case BlockText:
				for _, chunk := range c.splitText(b.Text) {
					emit(types.SegTypeText, chunk, "", currentTitle, "")
				}

			case BlockTable:
				if strings.TrimSpace(b.TableBody) == "" {
					continue
				}
				emit(types.SegTypeTable, b.TableBody, b.ImgPath, b.Caption, b.Footnote)

			case BlockImage:
				caption := strings.TrimSpace(b.Caption)
				if caption == "" {
					caption = fmt.Sprintf("图片_%d_%d", page, ordinal)
				}
				emit(types.SegTypeImage, caption, b.ImgPath, caption, b.Footnote)
			}
		}

		if c.cfg.PageSummary && ordinal > 0 {
			if content := pageSummaryContent(pages[pageIdx]); content != "" {
				emit(types.SegTypePageSummary, content, "", currentTitle, "")
			}
		}
	}

	c.log.Debug("Chunked document", "docID", docID, "pages", len(pageIndexes), "segments", len(segments))
	return segments
}

// splitText packs small paragraphs together up to the soft limit and breaks
// oversized paragraphs at sentence boundaries with overlap. A page's text
// never mixes with another page's: callers pass one block at a time.
func (c *Chunker) splitText(text string) []string {
	paragraphs := splitParagraphs(text)

	var out []string
	var pack []string
	packLen := 0
	flushPack := func() {
		if packLen == 0 {
			return
		}
		out = append(out, strings.Join(pack, "\n"))
		pack, packLen = nil, 0
	}

	for _, p := range paragraphs {
		pl := utf8.RuneCountInString(p)
		if pl > c.cfg.SoftLimit {
			flushPack()
			out = append(out, recursiveSplit(p, sentenceSeparators, c.cfg.SoftLimit, c.cfg.Overlap)...)
			continue
		}
		joinCost := 0
		if packLen > 0 {
			joinCost = 1
		}
		if packLen+joinCost+pl > c.cfg.SoftLimit {
			flushPack()
			joinCost = 0
		}
		pack = append(pack, p)
		packLen += joinCost + pl
	}
	flushPack()
	return out
}

// splitParagraphs treats every nonempty line as a paragraph: the merger
// joins the parser's paragraph-grained text blocks with single newlines.
func splitParagraphs(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// recursiveSplit is the usual recursive-character strategy: split on the
// strongest separator present, recurse into oversized parts with the weaker
// separators, then re-merge with overlap.
func recursiveSplit(text string, seps []string, limit, overlap int) []string {
	if utf8.RuneCountInString(text) <= limit {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	sep := ""
	var weaker []string
	for i, s := range seps {
		if strings.Contains(text, s) {
			sep = s
			weaker = seps[i+1:]
			break
		}
	}
	if sep == "" {
		return hardSplit(text, limit, overlap)
	}

	var pieces []string
	for _, part := range strings.SplitAfter(text, sep) {
		if part == "" {
			continue
		}
		if utf8.RuneCountInString(part) > limit {
			// keep raw sub-chunks; the final trim happens in mergePieces
			pieces = append(pieces, recursiveSplit(part, weaker, limit, overlap)...)
		} else {
			pieces = append(pieces, part)
		}
	}
	return mergePieces(pieces, limit, overlap)
}

func mergePieces(pieces []string, limit, overlap int) []string {
	var chunks []string
	var cur []string
	curLen := 0

	flush := func() {
		if chunk := strings.TrimSpace(strings.Join(cur, "")); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for _, piece := range pieces {
		pl := utf8.RuneCountInString(piece)
		if curLen > 0 && curLen+pl > limit {
			flush()
			// carry the tail pieces as overlap into the next chunk
			var kept []string
			keptLen := 0
			for i := len(cur) - 1; i >= 0; i-- {
				l := utf8.RuneCountInString(cur[i])
				if keptLen+l > overlap {
					break
				}
				kept = append([]string{cur[i]}, kept...)
				keptLen += l
			}
			cur, curLen = kept, keptLen
		}
		cur = append(cur, piece)
		curLen += pl
	}
	if curLen > 0 {
		flush()
	}
	return chunks
}

func hardSplit(text string, limit, overlap int) []string {
	runes := []rune(text)
	step := limit - overlap
	if step <= 0 {
		step = limit
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// pageSummaryContent builds a short extractive summary: the page's titles,
// leading sentences and captions, capped at 300 runes.
func pageSummaryContent(blocks []Block) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case BlockTitle:
			parts = append(parts, b.Text)
		case BlockText:
			if s := firstSentence(b.Text); s != "" {
				parts = append(parts, s)
			}
		case BlockTable, BlockImage:
			if b.Caption != "" {
				parts = append(parts, b.Caption)
			}
		}
	}
	return truncateRunes(strings.Join(parts, " "), 300)
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	cut := len(text)
	for _, sep := range []string{"。", "！", "？", "!", "?", "\n"} {
		if i := strings.Index(text, sep); i >= 0 && i+len(sep) < cut {
			cut = i + len(sep)
		}
	}
	return strings.TrimSpace(text[:cut])
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
