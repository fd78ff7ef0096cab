package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func sampleRequest(id string, created time.Time) *models.ApprovalRequest {
	deadline := created.Add(time.Hour)
	return &models.ApprovalRequest{
		ID:          id,
		Type:        "dependency_update",
		Title:       "Bump gin",
		RequesterID: "bot",
		Repository:  models.RepositoryInfo{Owner: "acme", Name: "api"},
		Payload:     map[string]interface{}{"rule": "dependency-update"},
		Priority:    models.PriorityHigh,
		Workflow: models.Workflow{Steps: []models.WorkflowStep{
			{Name: "review", ApproverRoles: []string{"maintainer"}, MinApprovals: 2, TimeoutHours: hours(1)},
		}},
		Status:        models.StatusPending,
		StepStartedAt: created,
		DeadlineAt:    &deadline,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleRequest("apr_1", t0)))
	require.NoError(t, store.Create(ctx, sampleRequest("apr_2", t0.Add(time.Minute))))

	_, err := store.Get(ctx, "apr_missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = store.Update(ctx, "apr_missing", func(*models.ApprovalRequest) error { return nil })
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	got, err := store.Get(ctx, "apr_1")
	require.NoError(t, err)
	assert.Equal(t, "acme/api", got.Repository.Slug())
	assert.Equal(t, "dependency-update", got.Payload["rule"])
	require.Len(t, got.Workflow.Steps, 1)
	require.NotNil(t, got.Workflow.Steps[0].TimeoutHours)

	_, err = store.Update(ctx, "apr_1", func(r *models.ApprovalRequest) error {
		r.Title = "changed"
		return ErrUnchanged
	})
	assert.ErrorIs(t, err, ErrUnchanged)
	got, _ = store.Get(ctx, "apr_1")
	assert.Equal(t, "Bump gin", got.Title)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, "apr_1", func(r *models.ApprovalRequest) error {
				r.Decisions = append(r.Decisions, models.StepDecision{
					ApproverID: fmt.Sprintf("user-%d", i),
					Action:     models.ActionApprove,
					Timestamp:  t0,
				})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err = store.Get(ctx, "apr_1")
	require.NoError(t, err)
	assert.Len(t, got.Decisions, 8, "no lost updates")

	_, err = store.Update(ctx, "apr_2", func(r *models.ApprovalRequest) error {
		r.Status = models.StatusApproved
		return nil
	})
	require.NoError(t, err)

	open, err := store.List(ctx, ListFilter{Statuses: OpenStatuses})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "apr_1", open[0].ID)

	all, err := store.List(ctx, ListFilter{Repository: "acme/api"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "apr_1", all[0].ID)

	none, err := store.List(ctx, ListFilter{Repository: "globex/api"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestGormStore_Contract(t *testing.T) {
	runStoreContract(t, NewGormStore(openTestDB(t)))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := sampleRequest("apr_1", t0)
	require.NoError(t, s.Create(ctx, req))

	req.Title = "mutated after create"
	got, err := s.Get(ctx, "apr_1")
	require.NoError(t, err)
	got.Workflow.Steps[0].Name = "mutated after get"

	again, err := s.Get(ctx, "apr_1")
	require.NoError(t, err)
	assert.Equal(t, "Bump gin", again.Title)
	assert.Equal(t, "review", again.Workflow.Steps[0].Name)

	assert.True(t, apperr.IsValidation(s.Create(ctx, sampleRequest("apr_1", t0))))
}

func TestGormDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewGormDirectory(openTestDB(t))

	require.NoError(t, dir.PutUser(ctx, &models.User{ID: "alice", Role: "maintainer", TeamIDs: []string{"core"}, Contacts: slack("alice")}))
	require.NoError(t, dir.PutUser(ctx, &models.User{ID: "alice", Role: "director", Contacts: slack("alice")}))
	u, err := dir.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "director", u.Role)
	assert.Equal(t, slack("alice"), u.Contacts)

	_, err = dir.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, dir.PutTeam(ctx, &models.Team{ID: "core", Members: []models.TeamMember{{UserID: "bob", Role: models.TeamRoleMember}}}))
	team, err := dir.GetTeam(ctx, "core")
	require.NoError(t, err)
	assert.True(t, team.HasMember("bob"))

	d := &models.Delegation{ID: "dlg_1", DelegatorID: "alice", DelegateID: "bob", StartDate: t0, EndDate: t0.Add(time.Hour), IsActive: true}
	require.NoError(t, dir.AddDelegation(ctx, d))

	d.IsActive = false
	require.NoError(t, dir.SaveDelegation(ctx, d))
	to, err := dir.DelegationsTo(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.False(t, to[0].IsActive)

	from, err := dir.DelegationsFrom(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, from, 1)

	assert.ErrorIs(t, dir.SaveDelegation(ctx, &models.Delegation{ID: "dlg_missing"}), apperr.ErrNotFound)
}
