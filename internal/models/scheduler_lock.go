package models

import "time"

// SchedulerLock is a lease row that lets a single instance run a cron sweep.
// A lease is free once ExpiresAt has passed.
type SchedulerLock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LockName  string    `gorm:"uniqueIndex;size:100;not null" json:"lock_name"`
	Holder    string    `gorm:"size:100" json:"holder"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (SchedulerLock) TableName() string { return "scheduler_locks" }
