package ingestion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Block types emitted by the layout parser and carried through the merged
// page files. Standalone caption/footnote blocks are folded into their
// neighbours by the merger, so the chunker only ever sees the first four.
const (
	BlockText     = "text"
	BlockTitle    = "title"
	BlockTable    = "table"
	BlockImage    = "image"
	BlockCaption  = "caption"
	BlockFootnote = "footnote"
)

// FlexStrings accepts a string, a list of strings, or null. Layout parsers
// are inconsistent about caption fields, so the decoder has to take all
// three shapes.
type FlexStrings []string

func (f *FlexStrings) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		*f = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			*f = nil
		} else {
			*f = FlexStrings{s}
		}
		return nil
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("caption field is neither string nor list: %s", string(raw))
	}
	out := make(FlexStrings, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	*f = out
	return nil
}

// Join concatenates the parts, dropping empties.
func (f FlexStrings) Join(sep string) string {
	parts := make([]string, 0, len(f))
	for _, s := range f {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

// ParsedBlock is one entry of the layout parser's ordered block list.
type ParsedBlock struct {
	Type          string      `json:"type"`
	Text          string      `json:"text,omitempty"`
	TextLevel     int         `json:"text_level,omitempty"`
	TableBody     string      `json:"table_body,omitempty"`
	TableCaption  FlexStrings `json:"table_caption,omitempty"`
	TableFootnote FlexStrings `json:"table_footnote,omitempty"`
	ImgPath       string      `json:"img_path,omitempty"`
	ImgCaption    FlexStrings `json:"img_caption,omitempty"`
	ImgFootnote   FlexStrings `json:"img_footnote,omitempty"`
	PageIdx       int         `json:"page_idx"`
}

// Block is the normalized per-page unit the chunker consumes: text runs
// already concatenated, captions and footnotes resolved onto their blocks.
type Block struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	TableBody string `json:"table_body,omitempty"`
	ImgPath   string `json:"img_path,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Footnote  string `json:"footnote,omitempty"`
	PageIdx   int    `json:"page_idx"`
}

// LoadParsedBlocks reads the parser's block list JSON.
func LoadParsedBlocks(path string) ([]ParsedBlock, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parsed blocks: %w", err)
	}
	var blocks []ParsedBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decode parsed blocks %s: %w", path, err)
	}
	return blocks, nil
}

func pageFileName(pageIdx int) string {
	return fmt.Sprintf("page_%d.json", pageIdx)
}

// WriteMergedPage writes one page's blocks under mergedDir, overwriting any
// previous run so the merge stage stays idempotent.
func WriteMergedPage(mergedDir string, pageIdx int, blocks []Block) error {
	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return fmt.Errorf("create merged dir: %w", err)
	}
	raw, err := json.MarshalIndent(blocks, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(mergedDir, pageFileName(pageIdx))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write merged page %s: %w", path, err)
	}
	return nil
}

// LoadMergedPages reads every page_*.json under mergedDir and returns the
// page indexes in ascending numeric order alongside the block map.
func LoadMergedPages(mergedDir string) ([]int, map[int][]Block, error) {
	entries, err := os.ReadDir(mergedDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read merged dir: %w", err)
	}

	pages := map[int][]Block{}
	indexes := []int{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "page_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "page_"), ".json"))
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(mergedDir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("read merged page %s: %w", name, err)
		}
		var blocks []Block
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, nil, fmt.Errorf("decode merged page %s: %w", name, err)
		}
		pages[idx] = blocks
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes, pages, nil
}
