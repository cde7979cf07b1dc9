package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/types"
)

type PermissionRepo interface {
	ReplaceForDoc(ctx context.Context, tx *gorm.DB, docID, permissionType string, subjectIDs []string) error
	ListForDoc(ctx context.Context, tx *gorm.DB, docID string) ([]*types.PermissionDocLink, error)
	AuthorizedDocIDs(ctx context.Context, tx *gorm.DB, permissionType string, subjectIDs []string) ([]string, error)
	DeleteByDocID(ctx context.Context, tx *gorm.DB, docID string) error
}

type permissionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPermissionRepo(db *gorm.DB, baseLog *logger.Logger) PermissionRepo {
	repoLog := baseLog.With("repo", "PermissionRepo")
	return &permissionRepo{db: db, log: repoLog}
}

// ReplaceForDoc rewrites the grants of a document. An empty subjectIDs slice
// produces a single unrestricted row (empty subject_id), which every caller
// matches.
func (r *permissionRepo) ReplaceForDoc(ctx context.Context, tx *gorm.DB, docID, permissionType string, subjectIDs []string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("doc_id = ?", docID).Delete(&types.PermissionDocLink{}).Error; err != nil {
			return err
		}
		links := make([]*types.PermissionDocLink, 0, len(subjectIDs))
		if len(subjectIDs) == 0 {
			links = append(links, &types.PermissionDocLink{
				PermissionType: permissionType,
				SubjectID:      "",
				DocID:          docID,
			})
		}
		for _, sid := range subjectIDs {
			links = append(links, &types.PermissionDocLink{
				PermissionType: permissionType,
				SubjectID:      sid,
				DocID:          docID,
			})
		}
		return txx.Create(&links).Error
	})
}

func (r *permissionRepo) ListForDoc(ctx context.Context, tx *gorm.DB, docID string) ([]*types.PermissionDocLink, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PermissionDocLink
	if err := transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("subject_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AuthorizedDocIDs returns every doc_id the subjects may read: documents
// granted to one of the subjects under permissionType plus documents carrying
// an unrestricted row.
func (r *permissionRepo) AuthorizedDocIDs(ctx context.Context, tx *gorm.DB, permissionType string, subjectIDs []string) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	q := transaction.WithContext(ctx).
		Model(&types.PermissionDocLink{}).
		Distinct("doc_id")
	if len(subjectIDs) == 0 {
		q = q.Where("subject_id = ?", "")
	} else {
		q = q.Where("subject_id = ? OR (permission_type = ? AND subject_id IN ?)", "", permissionType, subjectIDs)
	}
	if err := q.Pluck("doc_id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *permissionRepo) DeleteByDocID(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Delete(&types.PermissionDocLink{}).Error
}
