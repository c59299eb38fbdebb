package locking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/locking"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
)

func newManager(t *testing.T, lockStore store.LockStore) *locking.Manager {
	t.Helper()
	return locking.NewManager(lockStore,
		locking.WithMaxRetries(2),
		locking.WithBaseDelay(5*time.Millisecond),
	)
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	lockStore := store.NewMemoryLockStore()

	const workers = 8
	var wg sync.WaitGroup
	acquired := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newManager(t, lockStore)
			res, err := m.Acquire(ctx, "op-123", time.Minute, nil)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if res.Acquired {
				acquired <- res.LockID
			}
		}()
	}
	wg.Wait()
	close(acquired)

	var winners []string
	for lockID := range acquired {
		winners = append(winners, lockID)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly 1 acquisition, got %d", len(winners))
	}
}

func TestExpiryReclamation(t *testing.T) {
	ctx := context.Background()
	lockStore := store.NewMemoryLockStore()

	first := newManager(t, lockStore)
	res, err := first.Acquire(ctx, "op-exp", 50*time.Millisecond, nil)
	if err != nil || !res.Acquired {
		t.Fatalf("first Acquire: acquired=%v err=%v", res.Acquired, err)
	}

	// still held: a different holder must fail
	second := newManager(t, lockStore)
	blocked, err := second.Acquire(ctx, "op-exp", time.Minute, nil)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if blocked.Acquired {
		t.Fatal("second holder acquired a live lock")
	}

	time.Sleep(60 * time.Millisecond)

	reclaimed, err := second.Acquire(ctx, "op-exp", time.Minute, nil)
	if err != nil {
		t.Fatalf("reclaim Acquire: %v", err)
	}
	if !reclaimed.Acquired {
		t.Fatal("expired lock was not reclaimed")
	}
}

func TestReleaseByLockIDOnly(t *testing.T) {
	ctx := context.Background()
	lockStore := store.NewMemoryLockStore()

	first := newManager(t, lockStore)
	stale, err := first.Acquire(ctx, "op-rel", 30*time.Millisecond, nil)
	if err != nil || !stale.Acquired {
		t.Fatalf("first Acquire: acquired=%v err=%v", stale.Acquired, err)
	}
	time.Sleep(40 * time.Millisecond)

	second := newManager(t, lockStore)
	live, err := second.Acquire(ctx, "op-rel", time.Minute, nil)
	if err != nil || !live.Acquired {
		t.Fatalf("second Acquire: acquired=%v err=%v", live.Acquired, err)
	}

	// the stale holder releasing its old id must not free the new lock
	released, err := first.Release(ctx, stale.LockID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Fatal("stale lock id released something")
	}
	current, err := second.Check(ctx, "op-rel")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if current == nil || current.LockID != live.LockID {
		t.Fatal("live lock disappeared after stale release")
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemoryLockStore())

	res, err := m.Acquire(ctx, "op-cycle", time.Minute, map[string]string{"source": "webhook"})
	if err != nil || !res.Acquired {
		t.Fatalf("Acquire: acquired=%v err=%v", res.Acquired, err)
	}
	released, err := m.Release(ctx, res.LockID)
	if err != nil || !released {
		t.Fatalf("Release: released=%v err=%v", released, err)
	}
	again, err := m.Acquire(ctx, "op-cycle", time.Minute, nil)
	if err != nil || !again.Acquired {
		t.Fatalf("re-Acquire: acquired=%v err=%v", again.Acquired, err)
	}
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemoryLockStore())

	res, err := m.Acquire(ctx, "op-ext", 40*time.Millisecond, nil)
	if err != nil || !res.Acquired {
		t.Fatalf("Acquire: acquired=%v err=%v", res.Acquired, err)
	}
	extended, err := m.Extend(ctx, res.LockID, time.Minute)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !extended {
		t.Fatal("live lock was not extended")
	}

	time.Sleep(50 * time.Millisecond)
	// extended past the original expiry, so still held
	current, err := m.Check(ctx, "op-ext")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if current == nil {
		t.Fatal("extended lock expired at its original TTL")
	}
}

func TestExtendExpiredLock(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemoryLockStore())

	res, err := m.Acquire(ctx, "op-ext-exp", 20*time.Millisecond, nil)
	if err != nil || !res.Acquired {
		t.Fatalf("Acquire: acquired=%v err=%v", res.Acquired, err)
	}
	time.Sleep(30 * time.Millisecond)

	extended, err := m.Extend(ctx, res.LockID, time.Minute)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if extended {
		t.Fatal("expired lock must not be revivable")
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemoryLockStore())

	for _, key := range []string{"a", "b", "c"} {
		if res, err := m.Acquire(ctx, key, 20*time.Millisecond, nil); err != nil || !res.Acquired {
			t.Fatalf("Acquire %s: err=%v", key, err)
		}
	}
	if res, err := m.Acquire(ctx, "live", time.Minute, nil); err != nil || !res.Acquired {
		t.Fatalf("Acquire live: err=%v", err)
	}
	time.Sleep(30 * time.Millisecond)

	count, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 reaped locks, got %d", count)
	}
	current, err := m.Check(ctx, "live")
	if err != nil || current == nil {
		t.Fatalf("live lock swept away: lock=%v err=%v", current, err)
	}
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	lockStore := store.NewMemoryLockStore()
	m := newManager(t, lockStore)

	if res, err := m.Acquire(ctx, "op-stats", time.Minute, nil); err != nil || !res.Acquired {
		t.Fatalf("Acquire: err=%v", err)
	}
	if res, err := m.Acquire(ctx, "op-stats", time.Minute, nil); err != nil || res.Acquired {
		t.Fatalf("second Acquire should fail: err=%v", err)
	}

	stats := m.Stats()["op-stats"]
	if stats.Acquired != 1 {
		t.Fatalf("acquired counter = %d, want 1", stats.Acquired)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed counter = %d, want 1", stats.Failed)
	}
}
