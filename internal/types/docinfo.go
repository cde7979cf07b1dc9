package types

import (
	"time"
)

// Document processing statuses. The pipeline moves a document forward only;
// the sole backward edge is an explicit restart to StatusPending.
const (
	StatusPending     = "pending"
	StatusConverting  = "converting"
	StatusParsing     = "parsing"
	StatusParsed      = "parsed"
	StatusMerging     = "merging"
	StatusMerged      = "merged"
	StatusChunking    = "chunking"
	StatusChunked     = "chunked"
	StatusVectorizing = "vectorizing"
	StatusSplited     = "splited"

	StatusConvertFailed = "convert_failed"
	StatusParseFailed   = "parse_failed"
	StatusMergeFailed   = "merge_failed"
	StatusChunkFailed   = "chunk_failed"
	StatusSplitFailed   = "split_failed"
)

var statusTransitions = map[string][]string{
	StatusPending:     {StatusConverting},
	StatusConverting:  {StatusParsing, StatusConvertFailed},
	StatusParsing:     {StatusParsed, StatusParseFailed},
	StatusParsed:      {StatusMerging},
	StatusMerging:     {StatusMerged, StatusMergeFailed},
	StatusMerged:      {StatusChunking},
	StatusChunking:    {StatusChunked, StatusChunkFailed},
	StatusChunked:     {StatusVectorizing},
	StatusVectorizing: {StatusSplited, StatusSplitFailed},
}

// CanTransition reports whether the pipeline may move a document from one
// status to another. Restart (failure → pending) is handled separately.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsFailureStatus(s string) bool {
	switch s {
	case StatusConvertFailed, StatusParseFailed, StatusMergeFailed, StatusChunkFailed, StatusSplitFailed:
		return true
	}
	return false
}

// IsTerminalStatus reports whether processing has finished, successfully or not.
func IsTerminalStatus(s string) bool {
	return s == StatusSplited || IsFailureStatus(s)
}

// ActiveStatuses are the non-terminal statuses, i.e. documents still owned by
// the pipeline.
func ActiveStatuses() []string {
	return []string{
		StatusPending, StatusConverting, StatusParsing, StatusParsed,
		StatusMerging, StatusMerged, StatusChunking, StatusChunked,
		StatusVectorizing,
	}
}

// ResumableStatuses are the mid-pipeline statuses a worker may pick back up
// once the run that owned them goes stale.
func ResumableStatuses() []string {
	return []string{
		StatusConverting, StatusParsing, StatusParsed, StatusMerging,
		StatusMerged, StatusChunking, StatusChunked, StatusVectorizing,
	}
}

func FailureStatuses() []string {
	return []string{
		StatusConvertFailed, StatusParseFailed, StatusMergeFailed,
		StatusChunkFailed, StatusSplitFailed,
	}
}

type DocInfo struct {
	DocID      string `gorm:"type:varchar(64);primaryKey;column:doc_id" json:"doc_id"`
	DocName    string `gorm:"type:varchar(512);not null;column:doc_name" json:"doc_name"`
	DocExt     string `gorm:"type:varchar(16);not null;column:doc_ext" json:"doc_ext"`
	DocPath    string `gorm:"type:varchar(1024);column:doc_path" json:"doc_path"`
	DocHTTPURL string `gorm:"type:varchar(1024);column:doc_http_url" json:"doc_http_url"`
	OutputDir  string `gorm:"type:varchar(1024);column:output_dir" json:"output_dir"`

	PDFPath    string `gorm:"type:varchar(1024);column:pdf_path" json:"pdf_path"`
	JSONPath   string `gorm:"type:varchar(1024);column:json_path" json:"json_path"`
	SpansPath  string `gorm:"type:varchar(1024);column:spans_path" json:"spans_path"`
	LayoutPath string `gorm:"type:varchar(1024);column:layout_path" json:"layout_path"`
	ImagesDir  string `gorm:"type:varchar(1024);column:images_dir" json:"images_dir"`
	MergedDir  string `gorm:"type:varchar(1024);column:merged_dir" json:"merged_dir"`
	PageCount  int    `gorm:"column:page_count" json:"page_count"`

	ProcessStatus string `gorm:"type:varchar(32);not null;index;column:process_status" json:"process_status"`
	ErrorMessage  string `gorm:"type:varchar(2048);column:error_message" json:"error_message,omitempty"`

	RequestID   string `gorm:"type:varchar(64);column:request_id" json:"request_id,omitempty"`
	CallbackURL string `gorm:"type:varchar(1024);column:callback_url" json:"callback_url,omitempty"`

	IsDeleted bool      `gorm:"not null;default:false;index;column:is_deleted" json:"is_deleted"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime;index;column:updated_at" json:"updated_at"`

	// Child rows. Declared from this side so migration puts the foreign keys
	// on the child tables, each cascading when the document row is removed.
	Segments    []SegmentInfo       `gorm:"foreignKey:DocID;constraint:OnDelete:CASCADE" json:"-"`
	Pages       []DocPageInfo       `gorm:"foreignKey:DocID;constraint:OnDelete:CASCADE" json:"-"`
	Permissions []PermissionDocLink `gorm:"foreignKey:DocID;constraint:OnDelete:CASCADE" json:"-"`
}

func (DocInfo) TableName() string {
	return "doc_info"
}
