package scheduler

import (
	"context"
	"time"

	"github.com/huangang/repoflow/internal/clock"
	"github.com/huangang/repoflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLocker keeps leases in the scheduler_locks table. A lease is free once
// it expired or was released.
type GormLocker struct {
	db  *gorm.DB
	clk clock.Clock
}

func NewGormLocker(db *gorm.DB, clk clock.Clock) *GormLocker {
	if clk == nil {
		clk = clock.Real()
	}
	return &GormLocker{db: db, clk: clk}
}

func (l *GormLocker) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := l.clk.Now()
	lock := models.SchedulerLock{LockName: name, Holder: holder, LockedAt: now, ExpiresAt: now.Add(ttl)}

	acquired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lock_name"}},
			DoNothing: true,
		}).Create(&lock)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			acquired = true
			return nil
		}

		res = tx.Model(&models.SchedulerLock{}).
			Where("lock_name = ? AND (expires_at <= ? OR holder = ?)", name, now, holder).
			Updates(map[string]interface{}{
				"holder":     holder,
				"locked_at":  now,
				"expires_at": now.Add(ttl),
			})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	return acquired, err
}

// Release frees the lease early if holder still owns it.
func (l *GormLocker) Release(ctx context.Context, name, holder string) error {
	return l.db.WithContext(ctx).Model(&models.SchedulerLock{}).
		Where("lock_name = ? AND holder = ?", name, holder).
		Update("expires_at", l.clk.Now()).Error
}
