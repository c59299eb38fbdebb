package locking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL = 30 * time.Second

	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
)

// AcquireResult reports the outcome of a lock acquisition attempt. Acquired=false is
// a normal outcome (someone else holds the key), not an error.
type AcquireResult struct {
	Acquired  bool
	LockID    string
	ExpiresAt time.Time
}

// KeyStats counts per-key lock outcomes for observability.
type KeyStats struct {
	Acquired int64
	Failed   int64
	Expired  int64
}

// Manager hands out time-boxed distributed locks backed by the shared store.
// Mutual exclusion comes entirely from the store's uniqueness constraint on the lock
// key; the manager never holds an in-memory mutex across a store call.
type Manager struct {
	store      store.LockStore
	logger     *logrus.Logger
	holderID   string
	maxRetries int
	baseDelay  time.Duration

	mu    sync.Mutex
	stats map[string]*KeyStats
}

type Option func(*Manager)

func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(m *Manager) { m.baseDelay = d }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(lockStore store.LockStore, opts ...Option) *Manager {
	m := &Manager{
		store:      lockStore,
		logger:     config.GetLogger(),
		holderID:   uuid.NewString(),
		maxRetries: config.IntFromEnv("LOCK_MAX_RETRIES", defaultMaxRetries),
		baseDelay:  time.Duration(config.IntFromEnv("LOCK_RETRY_BASE_MS", int(defaultBaseDelay/time.Millisecond))) * time.Millisecond,
		stats:      make(map[string]*KeyStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HolderID identifies this manager instance in lock rows.
func (m *Manager) HolderID() string {
	return m.holderID
}

// Acquire attempts to take the lock for key, retrying with exponential backoff when
// the key is busy or the store hiccups. Before each attempt an expired row for the key
// is lazily reaped, which is how locks abandoned by crashed holders get reclaimed.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, metadata map[string]string) (*AcquireResult, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var metadataJSON *string
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err == nil {
			s := string(raw)
			metadataJSON = &s
		}
	}

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		now := time.Now()
		reaped, err := m.store.DeleteExpiredByKey(ctx, key, now)
		if err != nil {
			if store.IsAuthErr(err) {
				m.bumpFailed(key)
				return &AcquireResult{}, err
			}
			// transient; fall through and let the insert attempt decide
		}
		if reaped > 0 {
			m.bumpExpired(key, reaped)
		}

		lock := &models.OperationLock{
			LockID:    uuid.NewString(),
			LockKey:   key,
			HolderID:  m.holderID,
			Metadata:  metadataJSON,
			ExpiresAt: now.Add(ttl),
		}
		err = m.store.Insert(ctx, lock)
		if err == nil {
			m.bumpAcquired(key)
			return &AcquireResult{Acquired: true, LockID: lock.LockID, ExpiresAt: lock.ExpiresAt}, nil
		}
		if store.IsAuthErr(err) {
			config.LogError(m.logger, "locking", "Acquire", "critical store error, aborting retries", key, err)
			m.bumpFailed(key)
			return &AcquireResult{}, err
		}
		if !store.IsDuplicateKeyErr(err) {
			m.logger.WithFields(logrus.Fields{
				"module":  "locking",
				"lockKey": key,
				"attempt": attempt,
			}).Warn("lock insert failed, will retry: " + err.Error())
		}
		if attempt == m.maxRetries {
			break
		}
		if err := sleepBackoff(ctx, m.baseDelay*(1<<attempt)); err != nil {
			m.bumpFailed(key)
			return &AcquireResult{}, err
		}
	}

	m.bumpFailed(key)
	return &AcquireResult{}, nil
}

// Release deletes the lock by its id, never by key: after an expiry reap the key may
// already belong to another holder, and that holder's lock must not be released here.
func (m *Manager) Release(ctx context.Context, lockID string) (bool, error) {
	count, err := m.store.DeleteByLockID(ctx, lockID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Check returns the live lock currently held for key, or nil when the key is free or
// the stored lock has expired.
func (m *Manager) Check(ctx context.Context, key string) (*models.OperationLock, error) {
	lock, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Expired(time.Now()) {
		return nil, nil
	}
	return lock, nil
}

// Extend pushes the expiry of a still-live lock to now+extra. An expired lock cannot
// be revived: the conditional update is guarded by expires_at > now.
func (m *Manager) Extend(ctx context.Context, lockID string, extra time.Duration) (bool, error) {
	now := time.Now()
	count, err := m.store.ExtendIfLive(ctx, lockID, now.Add(extra), now)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CleanupExpired reaps all expired lock rows. Correctness never depends on this sweep;
// it is hygiene so the table does not accumulate rows for keys nobody asks for again.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, time.Now())
}

// Stats returns a snapshot of per-key counters.
func (m *Manager) Stats() map[string]KeyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]KeyStats, len(m.stats))
	for key, stats := range m.stats {
		snapshot[key] = *stats
	}
	return snapshot
}

func (m *Manager) keyStats(key string) *KeyStats {
	if stats, ok := m.stats[key]; ok {
		return stats
	}
	stats := &KeyStats{}
	m.stats[key] = stats
	return stats
}

func (m *Manager) bumpAcquired(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyStats(key).Acquired++
}

func (m *Manager) bumpFailed(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyStats(key).Failed++
}

func (m *Manager) bumpExpired(key string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyStats(key).Expired += n
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
