package approval

import (
	"context"
	"errors"
	"sync"

	"github.com/huangang/repoflow/internal/models"
)

// ErrUnchanged aborts a Store.Update without saving and without failing.
var ErrUnchanged = errors.New("approval request unchanged")

// ListFilter narrows Store.List. Zero values match everything.
type ListFilter struct {
	Statuses    []models.RequestStatus
	RequesterID string
	Repository  string
}

func (f ListFilter) matches(r *models.ApprovalRequest) bool {
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.Repository != "" && r.Repository.Slug() != f.Repository {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []models.RequestStatus{models.StatusPending, models.StatusEscalated}

// Store persists approval requests. Update is the only mutation path for an
// existing request: fn runs on a private copy while the request is locked,
// and the copy is saved only if fn returns nil.
type Store interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)
	Update(ctx context.Context, id string, fn func(req *models.ApprovalRequest) error) (*models.ApprovalRequest, error)
	List(ctx context.Context, filter ListFilter) ([]*models.ApprovalRequest, error)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
