package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/huangang/repoflow/internal/clock"
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
	require.NoError(t, db.AutoMigrate(&models.SchedulerLock{}))
	return db
}

func TestScheduler_AddValidatesSpec(t *testing.T) {
	s := New(nil, "node-a")
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("sweep", "@every 1m", time.Minute, noop))
	assert.Error(t, s.Add("sweep", "@every 1m", time.Minute, noop), "duplicate name")
	assert.Error(t, s.Add("broken", "not a spec", time.Minute, noop))

	_, err := s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestScheduler_RunNowWithoutLocker(t *testing.T) {
	s := New(nil, "node-a")
	calls := 0
	require.NoError(t, s.Add("sweep", "@every 1m", time.Minute, func(context.Context) error {
		calls++
		return nil
	}))
	require.NoError(t, s.Add("failing", "@hourly", time.Minute, func(context.Context) error {
		return errors.New("db down")
	}))

	ran, err := s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)

	ran, err = s.RunNow(context.Background(), "failing")
	assert.True(t, ran)
	assert.EqualError(t, err, "db down")
}

func TestGormLocker_Leases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	locker := NewGormLocker(openTestDB(t), clk)

	ok, err := locker.TryAcquire(ctx, "sweep", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.TryAcquire(ctx, "sweep", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease held by node-a")

	ok, err = locker.TryAcquire(ctx, "sweep", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder may renew")

	clk.Advance(2 * time.Minute)
	ok, err = locker.TryAcquire(ctx, "sweep", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free")

	require.NoError(t, locker.Release(ctx, "sweep", "node-b"))
	ok, err = locker.TryAcquire(ctx, "sweep", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")
}

func TestScheduler_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	locker := NewGormLocker(openTestDB(t), clk)

	ok, err := locker.TryAcquire(ctx, "sweep", "node-a", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	s := New(locker, "node-b")
	calls := 0
	require.NoError(t, s.Add("sweep", "@every 1m", time.Minute, func(context.Context) error {
		calls++
		return nil
	}))

	ran, err := s.RunNow(ctx, "sweep")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, calls)

	require.NoError(t, locker.Release(ctx, "sweep", "node-a"))
	ran, err = s.RunNow(ctx, "sweep")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)
}
