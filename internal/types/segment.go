package types

import (
	"fmt"
	"time"
)

const (
	SegTypeText        = "text"
	SegTypeTable       = "table"
	SegTypeImage       = "image"
	SegTypePageSummary = "page_summary"
)

// IsIndexableSegType reports whether segments of this type are embedded and
// written to the vector and lexical stores. Image segments stay SQL-only;
// their captions are searched through the page_summary/text path.
func IsIndexableSegType(segType string) bool {
	switch segType {
	case SegTypeText, SegTypeTable, SegTypePageSummary:
		return true
	}
	return false
}

func IndexableSegTypes() []string {
	return []string{SegTypeText, SegTypeTable, SegTypePageSummary}
}

// SegID builds the deterministic segment id so re-running the chunker over
// the same input yields the same rows.
func SegID(docID string, pageIdx, ordinal int, segType string) string {
	return fmt.Sprintf("%s-p%d-%d-%s", docID, pageIdx, ordinal, segType)
}

type SegmentInfo struct {
	SegID        string    `gorm:"type:varchar(128);primaryKey;column:seg_id" json:"seg_id"`
	DocID        string    `gorm:"type:varchar(64);not null;index;column:doc_id" json:"doc_id"`
	SegContent   string    `gorm:"type:longtext;column:seg_content" json:"seg_content"`
	SegImagePath string    `gorm:"type:varchar(1024);column:seg_image_path" json:"seg_image_path,omitempty"`
	SegCaption   string    `gorm:"type:varchar(1024);column:seg_caption" json:"seg_caption,omitempty"`
	SegFootnote  string    `gorm:"type:varchar(2048);column:seg_footnote" json:"seg_footnote,omitempty"`
	SegLen       int       `gorm:"column:seg_len" json:"seg_len"`
	SegType      string    `gorm:"type:varchar(16);not null;index;column:seg_type" json:"seg_type"`
	SegPageIdx   int       `gorm:"not null;column:seg_page_idx" json:"seg_page_idx"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime;column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime;column:updated_at" json:"updated_at"`
}

func (SegmentInfo) TableName() string {
	return "segment_info"
}

// SegmentContent is the hydrated view of a segment joined against its
// document and page rows, shaped for prompt assembly and source attribution.
type SegmentContent struct {
	SegID       string `gorm:"column:seg_id" json:"seg_id"`
	DocID       string `gorm:"column:doc_id" json:"doc_id"`
	SegContent  string `gorm:"column:seg_content" json:"seg_content"`
	SegCaption  string `gorm:"column:seg_caption" json:"seg_caption,omitempty"`
	SegFootnote string `gorm:"column:seg_footnote" json:"seg_footnote,omitempty"`
	SegType     string `gorm:"column:seg_type" json:"seg_type"`
	SegPageIdx  int    `gorm:"column:seg_page_idx" json:"seg_page_idx"`
	SegLen      int    `gorm:"column:seg_len" json:"seg_len"`
	DocName     string `gorm:"column:doc_name" json:"doc_name"`
	DocHTTPURL  string `gorm:"column:doc_http_url" json:"doc_http_url,omitempty"`
	PagePNGPath string `gorm:"column:page_png_path" json:"page_png_path,omitempty"`
}
