package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

const (
	MessageTypeHuman = "human"
	MessageTypeAI    = "ai"
)

// MetadataSchemaVersion guards the JSON blob stored on chat messages; bump it
// when the envelope shape changes.
const MetadataSchemaVersion = 1

type ChatSession struct {
	SessionID string    `gorm:"type:varchar(64);primaryKey;column:session_id" json:"session_id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime;column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime;column:updated_at" json:"updated_at"`

	// Declared here so migration puts the foreign key on chat_messages.
	Messages []ChatMessage `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

type ChatMessage struct {
	ID                 uint           `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	SessionID          string         `gorm:"type:varchar(64);not null;index;column:session_id" json:"session_id"`
	MessageType        string         `gorm:"type:varchar(8);not null;column:message_type" json:"message_type"`
	Content            string         `gorm:"type:longtext;column:content" json:"content"`
	Metadata           datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	ExcludeFromHistory bool           `gorm:"not null;default:false;column:exclude_from_history" json:"exclude_from_history"`
	CreatedAt          time.Time      `gorm:"not null;autoCreateTime;index;column:created_at" json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// SourceRef is the per-segment attribution stored with an AI turn and
// returned to callers.
type SourceRef struct {
	DocID       string  `json:"doc_id"`
	SegID       string  `json:"seg_id"`
	DocName     string  `json:"doc_name,omitempty"`
	SegPageIdx  int     `json:"seg_page_idx"`
	RerankScore float64 `json:"rerank_score"`
	FusedScore  float64 `json:"fused_score"`
	DocHTTPURL  string  `json:"doc_http_url,omitempty"`
	PagePNGPath string  `json:"page_png_path,omitempty"`
}

// MessageMetadata is the versioned envelope persisted on chat messages.
type MessageMetadata struct {
	SchemaVersion    int         `json:"schema_version"`
	Sources          []SourceRef `json:"sources,omitempty"`
	RewrittenQuery   string      `json:"rewritten_query,omitempty"`
	PromptTokens     int         `json:"prompt_tokens,omitempty"`
	CompletionTokens int         `json:"completion_tokens,omitempty"`
	TotalTokens      int         `json:"total_tokens,omitempty"`
	ElapsedMS        int64       `json:"elapsed_ms,omitempty"`
	Error            bool        `json:"error,omitempty"`
}

// EncodeMetadata validates and serializes the envelope for storage.
func EncodeMetadata(m *MessageMetadata) (datatypes.JSON, error) {
	if m == nil {
		return nil, nil
	}
	m.SchemaVersion = MetadataSchemaVersion
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeMetadata parses a stored envelope, rejecting unknown versions.
func DecodeMetadata(raw datatypes.JSON) (*MessageMetadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m MessageMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	if m.SchemaVersion != 0 && m.SchemaVersion > MetadataSchemaVersion {
		return nil, fmt.Errorf("decode message metadata: unsupported schema_version %d", m.SchemaVersion)
	}
	return &m, nil
}
