package repos

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// historyFetchLimit caps how many rows RecentMessages pulls before applying
// the character budget.
const historyFetchLimit = 100

type ChatRepo interface {
	EnsureSession(ctx context.Context, tx *gorm.DB, sessionID string) error
	SessionExists(ctx context.Context, tx *gorm.DB, sessionID string) (bool, error)
	AppendMessage(ctx context.Context, tx *gorm.DB, msg *types.ChatMessage) error
	RecentMessages(ctx context.Context, tx *gorm.DB, sessionID string, maxChars int) ([]*types.ChatMessage, error)
	ListMessages(ctx context.Context, tx *gorm.DB, sessionID string, limit, offset int) ([]*types.ChatMessage, error)
}

type chatRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatRepo(db *gorm.DB, baseLog *logger.Logger) ChatRepo {
	repoLog := baseLog.With("repo", "ChatRepo")
	return &chatRepo{db: db, log: repoLog}
}

func (r *chatRepo) EnsureSession(ctx context.Context, tx *gorm.DB, sessionID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == "" {
		return fmt.Errorf("session id empty: %w", svcerr.ErrNotFound)
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&types.ChatSession{SessionID: sessionID}).Error
}

func (r *chatRepo) SessionExists(ctx context.Context, tx *gorm.DB, sessionID string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var sess types.ChatSession
	err := transaction.WithContext(ctx).
		Select("session_id").
		Where("session_id = ?", sessionID).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendMessage stores one turn and bumps the session so recency ordering
// survives across sessions.
func (r *chatRepo) AppendMessage(ctx context.Context, tx *gorm.DB, msg *types.ChatMessage) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(msg).Error; err != nil {
			return err
		}
		return txx.Model(&types.ChatSession{}).
			Where("session_id = ?", msg.SessionID).
			Updates(map[string]interface{}{"updated_at": time.Now().UTC()}).Error
	})
}

// RecentMessages walks the session newest first, keeps whole messages while
// their summed rune count stays within maxChars, and returns the kept ones in
// chronological order. Messages flagged exclude_from_history are skipped.
func (r *chatRepo) RecentMessages(ctx context.Context, tx *gorm.DB, sessionID string, maxChars int) ([]*types.ChatMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.ChatMessage
	if err := transaction.WithContext(ctx).
		Where("session_id = ? AND exclude_from_history = ?", sessionID, false).
		Order("created_at DESC, id DESC").
		Limit(historyFetchLimit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	kept := make([]*types.ChatMessage, 0, len(rows))
	total := 0
	for _, row := range rows {
		n := utf8.RuneCountInString(row.Content)
		if maxChars > 0 && total+n > maxChars {
			break
		}
		total += n
		kept = append(kept, row)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}

func (r *chatRepo) ListMessages(ctx context.Context, tx *gorm.DB, sessionID string, limit, offset int) ([]*types.ChatMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.ChatMessage
	if err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
