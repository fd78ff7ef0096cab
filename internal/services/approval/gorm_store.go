package approval

import (
	"context"
	"errors"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists requests in the approval_requests table. Update takes
// an in-process lock and a row lock (where the dialect has one) inside a
// transaction, so concurrent votes on one request cannot interleave.
type GormStore struct {
	db    *gorm.DB
	locks keyedMutex
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	return s.db.WithContext(ctx).Create(req).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(req *models.ApprovalRequest) error) (*models.ApprovalRequest, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var saved *models.ApprovalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.ApprovalRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		if err := fn(&req); err != nil {
			return err
		}
		if err := tx.Save(&req).Error; err != nil {
			return err
		}
		saved = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved.Clone(), nil
}

func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]*models.ApprovalRequest, error) {
	query := s.db.WithContext(ctx).Model(&models.ApprovalRequest{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.RequesterID != "" {
		query = query.Where("requester_id = ?", filter.RequesterID)
	}

	var rows []models.ApprovalRequest
	if err := query.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.ApprovalRequest, 0, len(rows))
	for i := range rows {
		// Repository is a serialized column, so that filter runs here.
		if filter.matches(&rows[i]) {
			out = append(out, &rows[i])
		}
	}
	return out, nil
}
