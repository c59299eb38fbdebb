package store

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
)

// In-memory store implementations. They keep the same contracts as the gorm-backed
// stores (including key uniqueness under concurrency) and are used by unit tests and
// single-process embeddings where no shared database is available.

type MemoryLockStore struct {
	mu     sync.Mutex
	locks  map[string]*models.OperationLock // lock_key -> row
	nextID int
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]*models.OperationLock)}
}

func (s *MemoryLockStore) Insert(ctx context.Context, lock *models.OperationLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.locks[lock.LockKey]; exists {
		return ErrDuplicateKey
	}
	s.nextID++
	lock.ID = s.nextID
	if lock.CreatedAt.IsZero() {
		lock.CreatedAt = time.Now()
	}
	clone := *lock
	s.locks[lock.LockKey] = &clone
	return nil
}

func (s *MemoryLockStore) GetByKey(ctx context.Context, key string) (*models.OperationLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		return nil, nil
	}
	clone := *lock
	return &clone, nil
}

func (s *MemoryLockStore) DeleteExpiredByKey(ctx context.Context, key string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok || lock.ExpiresAt.After(now) {
		return 0, nil
	}
	delete(s.locks, key)
	return 1, nil
}

func (s *MemoryLockStore) DeleteByLockID(ctx context.Context, lockID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, lock := range s.locks {
		if lock.LockID == lockID {
			delete(s.locks, key)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *MemoryLockStore) ExtendIfLive(ctx context.Context, lockID string, newExpiresAt time.Time, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lock := range s.locks {
		if lock.LockID == lockID && lock.ExpiresAt.After(now) {
			lock.ExpiresAt = newExpiresAt
			return 1, nil
		}
	}
	return 0, nil
}

func (s *MemoryLockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for key, lock := range s.locks {
		if !lock.ExpiresAt.After(now) {
			delete(s.locks, key)
			count++
		}
	}
	return count, nil
}

type MemoryLogStore struct {
	mu      sync.Mutex
	entries []*models.OperationLog
	nextID  int
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func (s *MemoryLogStore) InsertBatch(ctx context.Context, entries []*models.OperationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.nextID++
		clone := *entry
		clone.ID = s.nextID
		s.entries = append(s.entries, &clone)
	}
	return nil
}

func (s *MemoryLogStore) Search(ctx context.Context, criteria LogSearchCriteria) ([]*models.OperationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.OperationLog
	for _, entry := range s.entries {
		if criteria.Level != nil && entry.Level != *criteria.Level {
			continue
		}
		if criteria.OperationType != "" && entry.OperationType != criteria.OperationType {
			continue
		}
		if criteria.OperationID != "" && entry.OperationID != criteria.OperationID {
			continue
		}
		if criteria.UserID != 0 && entry.UserID != criteria.UserID {
			continue
		}
		if criteria.RecordID != 0 && entry.RecordID != criteria.RecordID {
			continue
		}
		if criteria.From != nil && entry.Timestamp.Before(*criteria.From) {
			continue
		}
		if criteria.To != nil && entry.Timestamp.After(*criteria.To) {
			continue
		}
		if criteria.MessageContains != "" && !strings.Contains(entry.Message, criteria.MessageContains) {
			continue
		}
		clone := *entry
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	limit := criteria.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*models.OperationLog
	var count int64
	for _, entry := range s.entries {
		if entry.Timestamp.Before(cutoff) {
			count++
			continue
		}
		kept = append(kept, entry)
	}
	s.entries = kept
	return count, nil
}

type MemorySubscriptionStore struct {
	mu     sync.Mutex
	subs   []*models.Subscription
	nextID int
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{}
}

func (s *MemorySubscriptionStore) Create(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub.ID = s.nextID
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	clone := *sub
	s.subs = append(s.subs, &clone)
	return nil
}

func (s *MemorySubscriptionStore) UpdateStatus(ctx context.Context, id int, status models.SubscriptionStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id {
			sub.Status = status
			sub.UpdatedAt = time.Now()
			return 1, nil
		}
	}
	return 0, nil
}

func (s *MemorySubscriptionStore) FindMatches(ctx context.Context, q SubscriptionQuery) ([]*models.Subscription, error) {
	if q.Empty() {
		return nil, errors.New("refusing unfiltered subscription query")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Subscription
	for _, sub := range s.subs {
		if !subscriptionMatches(sub, q) {
			continue
		}
		clone := *sub
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func subscriptionMatches(sub *models.Subscription, q SubscriptionQuery) bool {
	if q.Email != "" && sub.Email != q.Email {
		return false
	}
	if q.ExternalReference != "" && sub.ExternalReference != q.ExternalReference {
		return false
	}
	if q.OrderID != "" && sub.OrderID != q.OrderID {
		return false
	}
	if q.PaymentID != "" && sub.PaymentID != q.PaymentID {
		return false
	}
	if q.Phone != "" && sub.Phone != q.Phone {
		return false
	}
	if q.UserID != 0 && sub.UserID != q.UserID {
		return false
	}
	if len(q.Patterns) > 0 {
		var any bool
		for _, p := range q.Patterns {
			if likeMatch(fieldValue(sub, p.Field), p.Pattern) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if q.From != nil && sub.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && sub.CreatedAt.After(*q.To) {
		return false
	}
	if len(q.Statuses) > 0 {
		var any bool
		for _, status := range q.Statuses {
			if sub.Status == status {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if q.ExcludeID != 0 && sub.ID == q.ExcludeID {
		return false
	}
	return true
}

func fieldValue(sub *models.Subscription, field SubscriptionField) string {
	switch field {
	case FieldEmail:
		return sub.Email
	case FieldExternalReference:
		return sub.ExternalReference
	case FieldOrderID:
		return sub.OrderID
	case FieldPaymentID:
		return sub.PaymentID
	case FieldPhone:
		return sub.Phone
	default:
		return ""
	}
}

// likeMatch evaluates a SQL LIKE pattern case-insensitively (MySQL default collation).
func likeMatch(value string, pattern string) bool {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
