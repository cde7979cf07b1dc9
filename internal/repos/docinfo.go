package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
	"github.com/yungbote/ragmind-backend/internal/types"
)

type DocInfoRepo interface {
	Create(ctx context.Context, tx *gorm.DB, doc *types.DocInfo) error
	GetByDocID(ctx context.Context, tx *gorm.DB, docID string) (*types.DocInfo, error)
	ListByStatus(ctx context.Context, tx *gorm.DB, statuses []string) ([]*types.DocInfo, error)
	FilterReady(ctx context.Context, tx *gorm.DB, docIDs []string) ([]string, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, docID, from, to, errMsg string) error
	UpdateFields(ctx context.Context, tx *gorm.DB, docID string, updates map[string]interface{}) error
	ResetForRestart(ctx context.Context, tx *gorm.DB, docID string) error
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleAfter time.Duration) (*types.DocInfo, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, docID string) error
	SoftDelete(ctx context.Context, tx *gorm.DB, docID string) error
	Delete(ctx context.Context, tx *gorm.DB, docID string) error
}

type docInfoRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocInfoRepo(db *gorm.DB, baseLog *logger.Logger) DocInfoRepo {
	repoLog := baseLog.With("repo", "DocInfoRepo")
	return &docInfoRepo{db: db, log: repoLog}
}

func (r *docInfoRepo) Create(ctx context.Context, tx *gorm.DB, doc *types.DocInfo) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(doc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("doc %s: %w", doc.DocID, svcerr.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (r *docInfoRepo) GetByDocID(ctx context.Context, tx *gorm.DB, docID string) (*types.DocInfo, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var doc types.DocInfo
	err := transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("doc %s: %w", docID, svcerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *docInfoRepo) ListByStatus(ctx context.Context, tx *gorm.DB, statuses []string) ([]*types.DocInfo, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocInfo
	if len(statuses) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("process_status IN ? AND is_deleted = ?", statuses, false).
		Order("updated_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FilterReady narrows docIDs to documents that finished indexing and are not
// soft deleted. Retrieval intersects permission grants with this set.
func (r *docInfoRepo) FilterReady(ctx context.Context, tx *gorm.DB, docIDs []string) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	if len(docIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Model(&types.DocInfo{}).
		Where("doc_id IN ? AND process_status = ? AND is_deleted = ?", docIDs, types.StatusSplited, false).
		Pluck("doc_id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus moves a document one step along the status machine. The guard
// runs twice: CanTransition rejects edges the machine does not have, and the
// WHERE clause makes the write a compare-and-set so two workers cannot apply
// the same edge.
func (r *docInfoRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, docID, from, to, errMsg string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if !types.CanTransition(from, to) {
		return fmt.Errorf("doc %s: %s -> %s: %w", docID, from, to, svcerr.ErrIllegalTransition)
	}
	res := transaction.WithContext(ctx).
		Model(&types.DocInfo{}).
		Where("doc_id = ? AND process_status = ?", docID, from).
		Updates(map[string]interface{}{
			"process_status": to,
			"error_message":  errMsg,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var cur types.DocInfo
		gErr := transaction.WithContext(ctx).
			Select("process_status").
			Where("doc_id = ?", docID).
			First(&cur).Error
		if errors.Is(gErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("doc %s: %w", docID, svcerr.ErrNotFound)
		}
		if gErr != nil {
			return gErr
		}
		return fmt.Errorf("doc %s: %s -> %s but row is %s: %w", docID, from, to, cur.ProcessStatus, svcerr.ErrIllegalTransition)
	}
	return nil
}

func (r *docInfoRepo) UpdateFields(ctx context.Context, tx *gorm.DB, docID string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if docID == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(ctx).
		Model(&types.DocInfo{}).
		Where("doc_id = ?", docID).
		Updates(updates).Error
}

// ResetForRestart is the only backward edge: a failed document goes back to
// pending with its error cleared. Documents in any other status are refused.
func (r *docInfoRepo) ResetForRestart(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.DocInfo{}).
		Where("doc_id = ? AND process_status IN ?", docID, types.FailureStatuses()).
		Updates(map[string]interface{}{
			"process_status": types.StatusPending,
			"error_message":  "",
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var cur types.DocInfo
		gErr := transaction.WithContext(ctx).
			Select("process_status").
			Where("doc_id = ?", docID).
			First(&cur).Error
		if errors.Is(gErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("doc %s: %w", docID, svcerr.ErrNotFound)
		}
		if gErr != nil {
			return gErr
		}
		return fmt.Errorf("doc %s: restart from %s: %w", docID, cur.ProcessStatus, svcerr.ErrIllegalTransition)
	}
	return nil
}

// ClaimNextRunnable hands one document to a pipeline worker: the oldest
// pending document, or a mid-pipeline one whose owner stopped heartbeating
// more than staleAfter ago. Claiming a pending document applies the
// pending -> converting edge in the same write, so a claimed row is never
// runnable again until it goes stale. The compare-and-set on updated_at keeps
// two workers from claiming the same row.
func (r *docInfoRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleAfter time.Duration) (*types.DocInfo, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)
	var claimed *types.DocInfo
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var doc types.DocInfo
		qErr := txx.
			Where("is_deleted = ?", false).
			Where("process_status = ? OR (process_status IN ? AND updated_at < ?)",
				types.StatusPending, types.ResumableStatuses(), staleCutoff).
			Order("updated_at ASC").
			First(&doc).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		updates := map[string]interface{}{"updated_at": now}
		if doc.ProcessStatus == types.StatusPending {
			updates["process_status"] = types.StatusConverting
		}
		res := txx.Model(&types.DocInfo{}).
			Where("doc_id = ? AND process_status = ? AND updated_at = ?", doc.DocID, doc.ProcessStatus, doc.UpdatedAt).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if doc.ProcessStatus == types.StatusPending {
			doc.ProcessStatus = types.StatusConverting
		}
		doc.UpdatedAt = now
		claimed = &doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat bumps updated_at so a long-running stage is not mistaken for a
// dead one and resumed by another worker.
func (r *docInfoRepo) Heartbeat(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.DocInfo{}).
		Where("doc_id = ?", docID).
		Updates(map[string]interface{}{"updated_at": time.Now().UTC()}).Error
}

func (r *docInfoRepo) SoftDelete(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.DocInfo{}).
		Where("doc_id = ?", docID).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("doc %s: %w", docID, svcerr.ErrNotFound)
	}
	return nil
}

// Delete removes the document row; segment, page and permission rows go with
// it through the cascading foreign keys.
func (r *docInfoRepo) Delete(ctx context.Context, tx *gorm.DB, docID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("doc_id = ?", docID).
		Delete(&types.DocInfo{}).Error
}
