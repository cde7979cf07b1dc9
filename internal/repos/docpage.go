package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/types"
)

type DocPageRepo interface {
	ReplaceForDoc(ctx context.Context, tx *gorm.DB, docID string, pages []*types.DocPageInfo) error
	GetByDocID(ctx context.Context, tx *gorm.DB, docID string) ([]*types.DocPageInfo, error)
	DeleteByDocID(ctx context.Context, tx *gorm.DB, docID string) error
}

type docPageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocPageRepo(db *gorm.DB, baseLog *logger.Logger) DocPageRepo {
	repoLog := baseLog.With("repo", "DocPageRepo")
	return &docPageRepo{db: db, log: repoLog}
}

// ReplaceForDoc swaps the page rows of a document in one transaction, so
// re-running the convert stage cannot leave a mixed set behind.
func (r *docPageRepo) ReplaceForDoc(ctx context.Context, tx *gorm.DB, docID string, pages []*types.DocPageInfo) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("doc_id = ?", docID).Delete(&types.DocPageInfo{}).Error; err != nil {
			return err
		}
		if len(pages) == 0 {
			return nil
		}
		return txx.Create(&pages).Error
	})
}

func (r *docPageRepo) GetByDocID(ctx context.Context, tx *gorm.DB, docID string) ([]*types.DocPageInfo, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocPageInfo
	if err := transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("page_idx ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *docPageRepo) DeleteByDocID(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Delete(&types.DocPageInfo{}).Error
}
