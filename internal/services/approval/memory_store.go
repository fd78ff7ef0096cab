package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
)

// MemoryStore keeps requests in process. Updates to one request are
// serialized; updates to different requests run in parallel.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ApprovalRequest
	locks    keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.ApprovalRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return apperr.Invalid("id", "approval request %q already exists", req.ID)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(req *models.ApprovalRequest) error) (*models.ApprovalRequest, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests[id] = working
	s.mu.Unlock()
	return working.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.ApprovalRequest, error) {
	s.mu.RLock()
	out := make([]*models.ApprovalRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if filter.matches(req) {
			out = append(out, req.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
