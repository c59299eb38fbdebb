package models

import "time"

// OperationLock provides durable, DB-backed mutual exclusion for idempotent operations.
// The unique constraint on lock_key is the sole source of exclusion: a duplicate-key
// error on insert means "already held", never an application error.
// Rows are deleted on release or lazily reaped once expires_at has passed.
type OperationLock struct {
	ID        int       `gorm:"primary_key" json:"id"`
	LockID    string    `gorm:"size:64;not null;uniqueIndex" json:"lock_id"`
	LockKey   string    `gorm:"size:255;not null;index:uniq_lock_key,unique" json:"lock_key"`
	HolderID  string    `gorm:"size:64;not null" json:"holder_id"`
	Metadata  *string   `gorm:"type:text" json:"metadata"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (l *OperationLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
