package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"gorm.io/gorm"
)

// GormLockStore backs LockStore with the shared MySQL database. The unique index on
// operation_locks.lock_key is what makes Insert a cross-process exclusion primitive.
type GormLockStore struct {
	db *gorm.DB
}

func NewGormLockStore(db *gorm.DB) *GormLockStore {
	return &GormLockStore{db: db}
}

func (s *GormLockStore) Insert(ctx context.Context, lock *models.OperationLock) error {
	if err := s.db.WithContext(ctx).Create(lock).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *GormLockStore) GetByKey(ctx context.Context, key string) (*models.OperationLock, error) {
	var lock models.OperationLock
	err := s.db.WithContext(ctx).Where("lock_key = ?", key).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

func (s *GormLockStore) DeleteExpiredByKey(ctx context.Context, key string, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("lock_key = ? AND expires_at <= ?", key, now).
		Delete(&models.OperationLock{})
	return result.RowsAffected, result.Error
}

func (s *GormLockStore) DeleteByLockID(ctx context.Context, lockID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("lock_id = ?", lockID).
		Delete(&models.OperationLock{})
	return result.RowsAffected, result.Error
}

func (s *GormLockStore) ExtendIfLive(ctx context.Context, lockID string, newExpiresAt time.Time, now time.Time) (int64, error) {
	// Guarded by expires_at > now so an already-expired (reapable) lock can't be revived.
	result := s.db.WithContext(ctx).Model(&models.OperationLock{}).
		Where("lock_id = ? AND expires_at > ?", lockID, now).
		Update("expires_at", newExpiresAt)
	return result.RowsAffected, result.Error
}

func (s *GormLockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.OperationLock{})
	return result.RowsAffected, result.Error
}

type GormLogStore struct {
	db *gorm.DB
}

func NewGormLogStore(db *gorm.DB) *GormLogStore {
	return &GormLogStore{db: db}
}

func (s *GormLogStore) InsertBatch(ctx context.Context, entries []*models.OperationLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&entries).Error
}

func (s *GormLogStore) Search(ctx context.Context, criteria LogSearchCriteria) ([]*models.OperationLog, error) {
	dbCtx := s.db.WithContext(ctx).Model(&models.OperationLog{})
	if criteria.Level != nil {
		dbCtx = dbCtx.Where("level = ?", *criteria.Level)
	}
	if criteria.OperationType != "" {
		dbCtx = dbCtx.Where("operation_type = ?", criteria.OperationType)
	}
	if criteria.OperationID != "" {
		dbCtx = dbCtx.Where("operation_id = ?", criteria.OperationID)
	}
	if criteria.UserID != 0 {
		dbCtx = dbCtx.Where("user_id = ?", criteria.UserID)
	}
	if criteria.RecordID != 0 {
		dbCtx = dbCtx.Where("record_id = ?", criteria.RecordID)
	}
	if criteria.From != nil {
		dbCtx = dbCtx.Where("timestamp >= ?", *criteria.From)
	}
	if criteria.To != nil {
		dbCtx = dbCtx.Where("timestamp <= ?", *criteria.To)
	}
	if criteria.MessageContains != "" {
		dbCtx = dbCtx.Where("message LIKE ?", "%"+criteria.MessageContains+"%")
	}
	limit := criteria.Limit
	if limit <= 0 {
		limit = 100
	}
	var entries []*models.OperationLog
	if err := dbCtx.Order("timestamp DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.OperationLog{})
	return result.RowsAffected, result.Error
}

type GormSubscriptionStore struct {
	db *gorm.DB
}

func NewGormSubscriptionStore(db *gorm.DB) *GormSubscriptionStore {
	return &GormSubscriptionStore{db: db}
}

func (s *GormSubscriptionStore) Create(ctx context.Context, sub *models.Subscription) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *GormSubscriptionStore) UpdateStatus(ctx context.Context, id int, status models.SubscriptionStatus) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("status", status)
	return result.RowsAffected, result.Error
}

func (s *GormSubscriptionStore) FindMatches(ctx context.Context, q SubscriptionQuery) ([]*models.Subscription, error) {
	if q.Empty() {
		return nil, errors.New("refusing unfiltered subscription query")
	}

	dbCtx := s.db.WithContext(ctx).Model(&models.Subscription{})
	if q.Email != "" {
		dbCtx = dbCtx.Where("email = ?", q.Email)
	}
	if q.ExternalReference != "" {
		dbCtx = dbCtx.Where("external_reference = ?", q.ExternalReference)
	}
	if q.OrderID != "" {
		dbCtx = dbCtx.Where("order_id = ?", q.OrderID)
	}
	if q.PaymentID != "" {
		dbCtx = dbCtx.Where("payment_id = ?", q.PaymentID)
	}
	if q.Phone != "" {
		dbCtx = dbCtx.Where("phone = ?", q.Phone)
	}
	if q.UserID != 0 {
		dbCtx = dbCtx.Where("user_id = ?", q.UserID)
	}
	if len(q.Patterns) > 0 {
		patternScope := s.db.Session(&gorm.Session{NewDB: true}).Model(&models.Subscription{})
		for i, p := range q.Patterns {
			clause := fmt.Sprintf("%s LIKE ?", p.Field)
			if i == 0 {
				patternScope = patternScope.Where(clause, p.Pattern)
			} else {
				patternScope = patternScope.Or(clause, p.Pattern)
			}
		}
		dbCtx = dbCtx.Where(patternScope)
	}
	if q.From != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		dbCtx = dbCtx.Where("created_at <= ?", *q.To)
	}
	if len(q.Statuses) > 0 {
		dbCtx = dbCtx.Where("status IN ?", q.Statuses)
	}
	if q.ExcludeID != 0 {
		dbCtx = dbCtx.Where("id <> ?", q.ExcludeID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var subs []*models.Subscription
	if err := dbCtx.Order("created_at DESC").Limit(limit).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
