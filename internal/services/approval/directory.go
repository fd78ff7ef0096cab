package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
)

// Directory answers who users are, which teams they belong to and who
// delegated to whom. It is read mostly.
type Directory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	PutUser(ctx context.Context, user *models.User) error
	ListUsers(ctx context.Context) ([]models.User, error)
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	PutTeam(ctx context.Context, team *models.Team) error

	AddDelegation(ctx context.Context, d *models.Delegation) error
	GetDelegation(ctx context.Context, id string) (*models.Delegation, error)
	SaveDelegation(ctx context.Context, d *models.Delegation) error
	// DelegationsFrom returns every delegation granted by delegatorID.
	DelegationsFrom(ctx context.Context, delegatorID string) ([]models.Delegation, error)
	// DelegationsTo returns every delegation received by delegateID.
	DelegationsTo(ctx context.Context, delegateID string) ([]models.Delegation, error)
}

type MemoryDirectory struct {
	mu          sync.RWMutex
	users       map[string]models.User
	teams       map[string]models.Team
	delegations map[string]models.Delegation
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:       make(map[string]models.User),
		teams:       make(map[string]models.Team),
		delegations: make(map[string]models.Delegation),
	}
}

func (d *MemoryDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &u, nil
}

func (d *MemoryDirectory) PutUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u := *user
	u.TeamIDs = append([]string(nil), user.TeamIDs...)
	u.Contacts = append([]models.Recipient(nil), user.Contacts...)
	d.users[u.ID] = u
	return nil
}

func (d *MemoryDirectory) ListUsers(ctx context.Context) ([]models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.teams[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &t, nil
}

func (d *MemoryDirectory) PutTeam(ctx context.Context, team *models.Team) error {
	if team.ID == "" {
		return apperr.Invalid("id", "must not be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := *team
	t.Members = append([]models.TeamMember(nil), team.Members...)
	d.teams[t.ID] = t
	return nil
}

func (d *MemoryDirectory) AddDelegation(ctx context.Context, del *models.Delegation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.delegations[del.ID]; exists {
		return apperr.Invalid("id", "delegation %q already exists", del.ID)
	}
	d.delegations[del.ID] = *del
	return nil
}

func (d *MemoryDirectory) GetDelegation(ctx context.Context, id string) (*models.Delegation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	del, ok := d.delegations[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &del, nil
}

func (d *MemoryDirectory) SaveDelegation(ctx context.Context, del *models.Delegation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.delegations[del.ID]; !ok {
		return apperr.ErrNotFound
	}
	d.delegations[del.ID] = *del
	return nil
}

func (d *MemoryDirectory) DelegationsFrom(ctx context.Context, delegatorID string) ([]models.Delegation, error) {
	return d.filterDelegations(func(del models.Delegation) bool { return del.DelegatorID == delegatorID }), nil
}

func (d *MemoryDirectory) DelegationsTo(ctx context.Context, delegateID string) ([]models.Delegation, error) {
	return d.filterDelegations(func(del models.Delegation) bool { return del.DelegateID == delegateID }), nil
}

func (d *MemoryDirectory) filterDelegations(keep func(models.Delegation) bool) []models.Delegation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.Delegation
	for _, del := range d.delegations {
		if keep(del) {
			out = append(out, del)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out
}
