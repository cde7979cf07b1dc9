package repos

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/types"
)

const segmentInsertBatch = 500

type SegmentRepo interface {
	CreateInBatches(ctx context.Context, tx *gorm.DB, segs []*types.SegmentInfo) error
	GetByDocID(ctx context.Context, tx *gorm.DB, docID string) ([]*types.SegmentInfo, error)
	ListIndexable(ctx context.Context, tx *gorm.DB, docID string) ([]*types.SegmentInfo, error)
	GetContents(ctx context.Context, tx *gorm.DB, segIDs []string) ([]*types.SegmentContent, error)
	CountByDocID(ctx context.Context, tx *gorm.DB, docID string) (int64, error)
	DeleteByDocID(ctx context.Context, tx *gorm.DB, docID string) error
}

type segmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSegmentRepo(db *gorm.DB, baseLog *logger.Logger) SegmentRepo {
	repoLog := baseLog.With("repo", "SegmentRepo")
	return &segmentRepo{db: db, log: repoLog}
}

// CreateInBatches writes all segments of a document or none of them, so a
// partially chunked document can never be mistaken for a complete one.
func (r *segmentRepo) CreateInBatches(ctx context.Context, tx *gorm.DB, segs []*types.SegmentInfo) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(segs) == 0 {
		return nil
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		return txx.CreateInBatches(&segs, segmentInsertBatch).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("segments for doc %s: %w", segs[0].DocID, svcerr.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (r *segmentRepo) GetByDocID(ctx context.Context, tx *gorm.DB, docID string) ([]*types.SegmentInfo, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SegmentInfo
	if err := transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("seg_page_idx ASC, seg_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListIndexable returns the segments fed to the vector and lexical stores;
// image segments are excluded.
func (r *segmentRepo) ListIndexable(ctx context.Context, tx *gorm.DB, docID string) ([]*types.SegmentInfo, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SegmentInfo
	if err := transaction.WithContext(ctx).
		Where("doc_id = ? AND seg_type IN ?", docID, types.IndexableSegTypes()).
		Order("seg_page_idx ASC, seg_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetContents hydrates store hits with document names, links and page
// renders in one query. Page rows are optional, hence the LEFT JOIN.
func (r *segmentRepo) GetContents(ctx context.Context, tx *gorm.DB, segIDs []string) ([]*types.SegmentContent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SegmentContent
	if len(segIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Table("segment_info AS s").
		Select(`s.seg_id, s.doc_id, s.seg_content, s.seg_caption, s.seg_footnote,
			s.seg_type, s.seg_page_idx, s.seg_len, d.doc_name, d.doc_http_url,
			COALESCE(p.page_png_path, '') AS page_png_path`).
		Joins("JOIN doc_info d ON d.doc_id = s.doc_id").
		Joins("LEFT JOIN doc_page_info p ON p.doc_id = s.doc_id AND p.page_idx = s.seg_page_idx").
		Where("s.seg_id IN ?", segIDs).
		Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *segmentRepo) CountByDocID(ctx context.Context, tx *gorm.DB, docID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	if err := transaction.WithContext(ctx).
		Model(&types.SegmentInfo{}).
		Where("doc_id = ?", docID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *segmentRepo) DeleteByDocID(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Delete(&types.SegmentInfo{}).Error
}
