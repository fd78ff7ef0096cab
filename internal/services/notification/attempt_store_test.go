package notification

import (
	"context"
	"fmt"
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

func runAttemptStoreContract(t *testing.T, store AttemptStore) {
	ctx := context.Background()
	retryAt := t0.Add(time.Minute)

	for i, corr := range []string{"apr_1", "apr_1", "apr_2"} {
		require.NoError(t, store.Create(ctx, &models.DeliveryAttempt{
			ID:            fmt.Sprintf("dlv_%d", i+1),
			CorrelationID: corr,
			Type:          models.NotifyApprovalRequested,
			Channel:       "slack",
			Address:       "#deps",
			Status:        models.DeliveryPending,
			CreatedAt:     t0.Add(time.Duration(i) * time.Second),
			UpdatedAt:     t0,
		}))
	}

	_, err := store.Get(ctx, "dlv_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = store.Update(ctx, "dlv_missing", func(*models.DeliveryAttempt) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	updated, err := store.Update(ctx, "dlv_2", func(a *models.DeliveryAttempt) error {
		a.Status = models.DeliveryRetrying
		a.AttemptNumber = 1
		a.NextRetryAt = &retryAt
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.AttemptNumber)

	_, err = store.Update(ctx, "dlv_1", func(a *models.DeliveryAttempt) error {
		a.Status = models.DeliverySent
		return errUnchanged
	})
	assert.ErrorIs(t, err, errUnchanged)
	got, err := store.Get(ctx, "dlv_1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status, "aborted update is not saved")

	byCorr, err := store.ListByCorrelation(ctx, "apr_1")
	require.NoError(t, err)
	require.Len(t, byCorr, 2)
	assert.Equal(t, "dlv_1", byCorr[0].ID)

	due, err := store.ListDue(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ListDue(ctx, retryAt)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "dlv_2", due[0].ID)
	require.NotNil(t, due[0].NextRetryAt)
	assert.True(t, due[0].NextRetryAt.Equal(retryAt))
}

func TestMemoryAttemptStore_Contract(t *testing.T) {
	runAttemptStoreContract(t, NewMemoryAttemptStore())
}

func TestGormAttemptStore_Contract(t *testing.T) {
	runAttemptStoreContract(t, NewGormAttemptStore(openTestDB(t)))
}

func TestGormAttemptStore_BacksDispatcherRetries(t *testing.T) {
	store := NewGormAttemptStore(openTestDB(t))
	f := newFixture(t)
	d := NewDispatcher(store, f.clk, WithRetryPolicy(testPolicy(3)))
	t.Cleanup(func() { d.Close() })
	ch := NewMemoryChannel("slack")
	d.RegisterChannel(ch, ChannelSettings{Enabled: true})
	ch.FailNext(1, errDown)

	ids, err := d.Send(context.Background(), plain(slackTo("#deps")))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	f.clk.Advance(time.Second)
	a, err := store.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, a.Status)
	assert.Equal(t, 2, a.AttemptNumber)
}
