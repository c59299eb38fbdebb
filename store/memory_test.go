package store_test

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	if !store.IsDuplicateKeyErr(store.ErrDuplicateKey) {
		t.Fatal("sentinel not recognized")
	}
	if !store.IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatal("mysql 1062 not recognized")
	}
	if store.IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1045, Message: "Access denied"}) {
		t.Fatal("auth error misread as duplicate key")
	}
	if !store.IsAuthErr(&mysqlDriver.MySQLError{Number: 1045, Message: "Access denied"}) {
		t.Fatal("mysql 1045 not recognized as auth error")
	}
}

func TestMemoryLockStoreUniqueness(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryLockStore()

	first := &models.OperationLock{LockID: "l1", LockKey: "k", ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second := &models.OperationLock{LockID: "l2", LockKey: "k", ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.Insert(ctx, second); !store.IsDuplicateKeyErr(err) {
		t.Fatalf("second Insert err = %v, want duplicate key", err)
	}
}

func TestFindMatchesRefusesEmptyQuery(t *testing.T) {
	s := store.NewMemorySubscriptionStore()
	if _, err := s.FindMatches(context.Background(), store.SubscriptionQuery{}); err == nil {
		t.Fatal("unfiltered query accepted")
	}
}

func TestFindMatchesPatterns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemorySubscriptionStore()
	subs := []models.Subscription{
		{Email: "JohnDoe@Example.com", ExternalReference: "INV-2026-001"},
		{Email: "someone@else.com", ExternalReference: "INV-2026-002"},
	}
	for i := range subs {
		if err := s.Create(ctx, &subs[i]); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// LIKE is case-insensitive and % spans any run
	rows, err := s.FindMatches(ctx, store.SubscriptionQuery{
		Patterns: []store.FieldPattern{{Field: store.FieldEmail, Pattern: "johndoe@%"}},
	})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != subs[0].ID {
		t.Fatalf("pattern matched %d rows", len(rows))
	}

	// multiple patterns are OR-ed
	rows, err = s.FindMatches(ctx, store.SubscriptionQuery{
		Patterns: []store.FieldPattern{
			{Field: store.FieldExternalReference, Pattern: "%-001"},
			{Field: store.FieldExternalReference, Pattern: "%-002"},
		},
	})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("OR-ed patterns matched %d rows, want 2", len(rows))
	}
}

func TestFindMatchesWindowAndExclusion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemorySubscriptionStore()
	old := models.Subscription{Email: "w@example.com", CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := models.Subscription{Email: "w@example.com", CreatedAt: time.Now().Add(-time.Hour)}
	for _, sub := range []*models.Subscription{&old, &recent} {
		if err := s.Create(ctx, sub); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	from := time.Now().Add(-24 * time.Hour)
	rows, err := s.FindMatches(ctx, store.SubscriptionQuery{Email: "w@example.com", From: &from})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != recent.ID {
		t.Fatalf("window filter returned %d rows", len(rows))
	}

	rows, err = s.FindMatches(ctx, store.SubscriptionQuery{Email: "w@example.com", ExcludeID: recent.ID})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != old.ID {
		t.Fatalf("exclusion returned %d rows", len(rows))
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemorySubscriptionStore()
	sub := models.Subscription{Email: "s@example.com", Status: models.SubscriptionStatusPending}
	if err := s.Create(ctx, &sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.UpdateStatus(ctx, sub.ID, models.SubscriptionStatusActive)
	if err != nil || updated != 1 {
		t.Fatalf("UpdateStatus: updated=%d err=%v", updated, err)
	}
	rows, err := s.FindMatches(ctx, store.SubscriptionQuery{Email: "s@example.com", Statuses: []models.SubscriptionStatus{models.SubscriptionStatusActive}})
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("status filter returned %d rows", len(rows))
	}
	if updated, err = s.UpdateStatus(ctx, 9999, models.SubscriptionStatusCancelled); err != nil || updated != 0 {
		t.Fatalf("UpdateStatus on missing row: updated=%d err=%v", updated, err)
	}
}
