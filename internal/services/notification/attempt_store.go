package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errUnchanged aborts an Update without saving.
var errUnchanged = errors.New("attempt unchanged")

// AttemptStore persists delivery chains. Update is the only mutation path
// and runs fn with exclusive access to the attempt.
type AttemptStore interface {
	Create(ctx context.Context, a *models.DeliveryAttempt) error
	Get(ctx context.Context, id string) (*models.DeliveryAttempt, error)
	Update(ctx context.Context, id string, fn func(a *models.DeliveryAttempt) error) (*models.DeliveryAttempt, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]*models.DeliveryAttempt, error)
	// ListDue returns retrying attempts whose next retry is at or before t.
	ListDue(ctx context.Context, t time.Time) ([]*models.DeliveryAttempt, error)
}

func cloneAttempt(a *models.DeliveryAttempt) *models.DeliveryAttempt {
	c := *a
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		c.NextRetryAt = &t
	}
	if a.DeliveredAt != nil {
		t := *a.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*models.DeliveryAttempt
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*models.DeliveryAttempt)}
}

func (s *MemoryAttemptStore) Create(ctx context.Context, a *models.DeliveryAttempt) error {
	if a.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; exists {
		return apperr.Invalid("id", "delivery attempt %q already exists", a.ID)
	}
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (s *MemoryAttemptStore) Get(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (s *MemoryAttemptStore) Update(ctx context.Context, id string, fn func(a *models.DeliveryAttempt) error) (*models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.attempts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	next := cloneAttempt(current)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.attempts[id] = next
	return cloneAttempt(next), nil
}

func (s *MemoryAttemptStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*models.DeliveryAttempt, error) {
	return s.list(func(a *models.DeliveryAttempt) bool { return a.CorrelationID == correlationID }), nil
}

func (s *MemoryAttemptStore) ListDue(ctx context.Context, t time.Time) ([]*models.DeliveryAttempt, error) {
	return s.list(func(a *models.DeliveryAttempt) bool {
		return a.Status == models.DeliveryRetrying && a.NextRetryAt != nil && !a.NextRetryAt.After(t)
	}), nil
}

func (s *MemoryAttemptStore) list(keep func(a *models.DeliveryAttempt) bool) []*models.DeliveryAttempt {
	s.mu.Lock()
	var out []*models.DeliveryAttempt
	for _, a := range s.attempts {
		if keep(a) {
			out = append(out, cloneAttempt(a))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GormAttemptStore keeps attempts in the delivery_attempts table so retry
// chains survive a restart.
type GormAttemptStore struct {
	db *gorm.DB
}

func NewGormAttemptStore(db *gorm.DB) *GormAttemptStore {
	return &GormAttemptStore{db: db}
}

func (s *GormAttemptStore) Create(ctx context.Context, a *models.DeliveryAttempt) error {
	if a.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormAttemptStore) Get(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *GormAttemptStore) Update(ctx context.Context, id string, fn func(a *models.DeliveryAttempt) error) (*models.DeliveryAttempt, error) {
	var saved models.DeliveryAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&saved, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		if err := fn(&saved); err != nil {
			return err
		}
		return tx.Save(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *GormAttemptStore) ListByCorrelation(ctx context.Context, correlationID string) ([]*models.DeliveryAttempt, error) {
	var rows []*models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormAttemptStore) ListDue(ctx context.Context, t time.Time) ([]*models.DeliveryAttempt, error) {
	var rows []*models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.DeliveryRetrying, t).
		Order("next_retry_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}
