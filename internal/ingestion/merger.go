package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yungbote/ragmind-backend/internal/clients/modelgateway"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/prompts"
)

// maxTitleLen is the rune bound under which a free-standing text block is
// short enough to serve as a caption for the table or image after it.
const maxTitleLen = 100

type MergerConfig struct {
	// TableSummary asks the model to title tables that have no caption and
	// no usable neighbour text. Off by default: it spends chat tokens
	// during ingestion.
	TableSummary bool
}

// Merger normalizes the parser's block list into per-page files: text runs
// concatenated, titles kept as their own blocks, captions and footnotes
// resolved onto the tables and images they describe.
type Merger struct {
	log     *logger.Logger
	gateway modelgateway.Gateway
	reg     *prompts.Registry
	cfg     MergerConfig
}

func NewMerger(log *logger.Logger, gateway modelgateway.Gateway, reg *prompts.Registry, cfg MergerConfig) *Merger {
	return &Merger{
		log:     log.With("service", "Merger"),
		gateway: gateway,
		reg:     reg,
		cfg:     cfg,
	}
}

type mergeStats struct {
	tableTotal, tableHad, tableFilled, tableMissing int
	imgTotal, imgHad, imgFilled, imgMissing         int
}

// Merge groups blocks by page in reading order and writes one JSON file per
// page under mergedDir. It returns the page indexes written, ascending.
// Re-running overwrites the same files with the same contents.
func (m *Merger) Merge(ctx context.Context, blocks []ParsedBlock, mergedDir string) ([]int, error) {
	start := time.Now()
	folded := foldLooseBlocks(blocks)

	pages := map[int][]Block{}
	appendBlock := func(b Block) {
		pages[b.PageIdx] = append(pages[b.PageIdx], b)
	}

	var buf []string
	bufPage := -1
	flush := func() {
		if len(buf) == 0 {
			return
		}
		appendBlock(Block{Type: BlockText, Text: strings.Join(buf, "\n"), PageIdx: bufPage})
		buf = nil
	}

	var stats mergeStats
	for i := range folded {
		pb := &folded[i]
		if len(buf) > 0 && pb.PageIdx != bufPage {
			flush()
		}

		switch pb.Type {
		case BlockText:
			if pb.TextLevel > 0 {
				flush()
				if text := strings.TrimSpace(pb.Text); text != "" {
					appendBlock(Block{Type: BlockTitle, Text: text, PageIdx: pb.PageIdx})
				}
				continue
			}
			buf = append(buf, pb.Text)
			bufPage = pb.PageIdx

		case BlockTable:
			flush()
			if strings.TrimSpace(pb.TableBody) == "" {
				m.log.Warn("Skipping table with empty body", "pageIdx", pb.PageIdx)
				continue
			}
			stats.tableTotal++
			caption := strings.TrimSpace(pb.TableCaption.Join(""))
			if caption != "" {
				stats.tableHad++
			} else {
				caption = m.backfillTableCaption(ctx, folded, i)
				if caption != "" {
					stats.tableFilled++
				} else {
					stats.tableMissing++
				}
			}
			appendBlock(Block{
				Type:      BlockTable,
				TableBody: pb.TableBody,
				ImgPath:   pb.ImgPath,
				Caption:   caption,
				Footnote:  pb.TableFootnote.Join(","),
				PageIdx:   pb.PageIdx,
			})

		case BlockImage:
			flush()
			if strings.TrimSpace(pb.ImgPath) == "" {
				m.log.Warn("Skipping image with empty path", "pageIdx", pb.PageIdx)
				continue
			}
			stats.imgTotal++
			caption := strings.TrimSpace(pb.ImgCaption.Join(", "))
			if caption != "" {
				stats.imgHad++
			} else {
				caption = backfillImageCaption(folded, i)
				if caption != "" {
					stats.imgFilled++
				} else {
					stats.imgMissing++
				}
			}
			appendBlock(Block{
				Type:     BlockImage,
				ImgPath:  pb.ImgPath,
				Caption:  caption,
				Footnote: pb.ImgFootnote.Join(","),
				PageIdx:  pb.PageIdx,
			})
		}
	}
	flush()

	indexes := make([]int, 0, len(pages))
	for idx := range pages {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		if err := WriteMergedPage(mergedDir, idx, pages[idx]); err != nil {
			return nil, err
		}
	}

	m.log.Info("Merged parsed blocks into pages",
		"pages", len(indexes),
		"tables", stats.tableTotal, "tableCaptionsFilled", stats.tableFilled, "tableCaptionsMissing", stats.tableMissing,
		"images", stats.imgTotal, "imageCaptionsFilled", stats.imgFilled, "imageCaptionsMissing", stats.imgMissing,
		"durationMs", time.Since(start).Milliseconds())
	return indexes, nil
}

// backfillTableCaption tries, in order: the caption of the directly
// preceding table (a table continued across a page break inherits its
// title), a short preceding text block, and finally a model-generated
// title when enabled.
func (m *Merger) backfillTableCaption(ctx context.Context, blocks []ParsedBlock, i int) string {
	if i > 0 {
		prev := blocks[i-1]
		switch prev.Type {
		case BlockTable:
			if cap := strings.TrimSpace(prev.TableCaption.Join("")); cap != "" {
				return cap
			}
		case BlockText:
			if t := strings.TrimSpace(prev.Text); t != "" && utf8.RuneCountInString(t) < maxTitleLen {
				return t
			}
		}
	}
	if m.cfg.TableSummary && m.gateway != nil {
		title, err := m.summarizeTableTitle(ctx, blocks[i].TableBody)
		if err != nil {
			m.log.Warn("Table summary failed, leaving caption empty", "pageIdx", blocks[i].PageIdx, "error", err)
			return ""
		}
		return title
	}
	return ""
}

// backfillImageCaption takes the nearest preceding short text within two
// blocks on the same page.
func backfillImageCaption(blocks []ParsedBlock, i int) string {
	for j := i - 1; j >= i-2 && j >= 0; j-- {
		if blocks[j].PageIdx != blocks[i].PageIdx {
			break
		}
		if blocks[j].Type != BlockText {
			continue
		}
		if t := strings.TrimSpace(blocks[j].Text); t != "" && utf8.RuneCountInString(t) < maxTitleLen {
			return t
		}
	}
	return ""
}

type tableSummary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

func (m *Merger) summarizeTableTitle(ctx context.Context, tableHTML string) (string, error) {
	p, err := m.reg.Get(prompts.TableSummary)
	if err != nil {
		return "", err
	}
	msgs := []modelgateway.Message{}
	if sys := strings.TrimSpace(p.RenderSystem(nil)); sys != "" {
		msgs = append(msgs, modelgateway.Message{Role: modelgateway.RoleSystem, Content: sys})
	}
	msgs = append(msgs, modelgateway.Message{
		Role:    modelgateway.RoleUser,
		Content: p.RenderUser(map[string]string{"table_html": tableHTML}),
	})

	text, _, err := m.gateway.Generate(ctx, msgs, modelgateway.GenerateOptions{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
	})
	if err != nil {
		return "", err
	}

	summary, err := parseTableSummary(text)
	if err != nil {
		return "", err
	}
	return summary.Title, nil
}

// parseTableSummary digs the {"title","summary"} object out of a model
// reply that may wrap it in code fences or prose.
func parseTableSummary(raw string) (tableSummary, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}

	var out tableSummary
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return tableSummary{}, fmt.Errorf("table summary not valid JSON: %w", err)
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Title == "" {
		return tableSummary{}, fmt.Errorf("table summary missing title")
	}
	return out, nil
}

// foldLooseBlocks resolves standalone caption/footnote blocks: a caption
// attaches forward to the next uncaptioned table or image within two blocks
// on its page, a footnote attaches backward to the nearest table or image
// above it on its page. Blocks that attach nowhere rejoin the text flow so
// no words are lost.
func foldLooseBlocks(in []ParsedBlock) []ParsedBlock {
	blocks := make([]ParsedBlock, len(in))
	copy(blocks, in)
	consumed := make([]bool, len(blocks))

	for i := range blocks {
		b := &blocks[i]
		text := strings.TrimSpace(b.Text)

		switch b.Type {
		case BlockCaption:
			target := -1
			for j := i + 1; j <= i+2 && j < len(blocks); j++ {
				if blocks[j].PageIdx != b.PageIdx {
					break
				}
				if blocks[j].Type == BlockTable && len(blocks[j].TableCaption) == 0 {
					target = j
					break
				}
				if blocks[j].Type == BlockImage && len(blocks[j].ImgCaption) == 0 {
					target = j
					break
				}
			}
			if target < 0 || text == "" {
				b.Type = BlockText
				continue
			}
			if blocks[target].Type == BlockTable {
				blocks[target].TableCaption = FlexStrings{text}
			} else {
				blocks[target].ImgCaption = FlexStrings{text}
			}
			consumed[i] = true

		case BlockFootnote:
			target := -1
			for j := i - 1; j >= i-2 && j >= 0; j-- {
				if blocks[j].PageIdx != b.PageIdx {
					break
				}
				if blocks[j].Type == BlockTable || blocks[j].Type == BlockImage {
					target = j
					break
				}
			}
			if target < 0 || text == "" {
				b.Type = BlockText
				continue
			}
			if blocks[target].Type == BlockTable {
				blocks[target].TableFootnote = append(blocks[target].TableFootnote, text)
			} else {
				blocks[target].ImgFootnote = append(blocks[target].ImgFootnote, text)
			}
			consumed[i] = true
		}
	}

	out := make([]ParsedBlock, 0, len(blocks))
	for i := range blocks {
		if !consumed[i] {
			out = append(out, blocks[i])
		}
	}
	return out
}
