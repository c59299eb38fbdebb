package dedupe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/dedupe"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"github.com/shopspring/decimal"
)

func seedSubscription(t *testing.T, subStore *store.MemorySubscriptionStore, sub models.Subscription) models.Subscription {
	t.Helper()
	if err := subStore.Create(context.Background(), &sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

func TestDuplicateByEmail(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	seedSubscription(t, subStore, models.Subscription{
		UserID:    7,
		Email:     "thida@example.com",
		Amount:    decimal.NewFromInt(100),
		Status:    models.SubscriptionStatusActive,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	v := dedupe.NewValidator(subStore)

	candidate := &models.Subscription{
		UserID: 99,
		Email:  "thida@example.com",
		Amount: decimal.NewFromInt(50),
	}
	res := v.Validate(context.Background(), candidate)
	if res.IsValid || !res.DuplicateFound {
		t.Fatalf("expected duplicate, got IsValid=%v DuplicateFound=%v", res.IsValid, res.DuplicateFound)
	}
	details := res.DuplicateDetails
	if details == nil || details.Rule != "email_exact" {
		t.Fatalf("unexpected duplicate details: %+v", details)
	}
	// base 0.8 + email 0.15, no user or amount agreement
	if details.Confidence < 0.8 {
		t.Fatalf("confidence = %.2f, want >= 0.8", details.Confidence)
	}
}

func TestConfidenceBoostedByAgreement(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	seedSubscription(t, subStore, models.Subscription{
		UserID:    7,
		Email:     "thida@example.com",
		Amount:    decimal.NewFromInt(100),
		CreatedAt: time.Now().Add(-time.Hour),
	})
	v := dedupe.NewValidator(subStore)

	mismatched := v.Validate(context.Background(), &models.Subscription{
		UserID: 99,
		Email:  "thida@example.com",
		Amount: decimal.NewFromInt(50),
	})
	agreeing := v.Validate(context.Background(), &models.Subscription{
		UserID: 7,
		Email:  "thida@example.com",
		Amount: decimal.NewFromInt(100),
	})
	if mismatched.DuplicateDetails == nil || agreeing.DuplicateDetails == nil {
		t.Fatal("both candidates should be flagged as duplicates")
	}
	if agreeing.DuplicateDetails.Confidence <= mismatched.DuplicateDetails.Confidence {
		t.Fatalf("agreement must raise confidence: %.2f <= %.2f",
			agreeing.DuplicateDetails.Confidence, mismatched.DuplicateDetails.Confidence)
	}
}

func TestWindowExcludesOldRecords(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	seedSubscription(t, subStore, models.Subscription{
		Email:     "old@example.com",
		CreatedAt: time.Now().Add(-25 * time.Hour), // outside the 24h email window
	})
	v := dedupe.NewValidator(subStore)

	res := v.Validate(context.Background(), &models.Subscription{Email: "old@example.com"})
	if !res.IsValid || res.DuplicateFound {
		t.Fatalf("record outside rule window flagged: %+v", res.DuplicateDetails)
	}
}

func TestMissingFieldsAreSkipped(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	v := dedupe.NewValidator(subStore)

	res := v.Validate(context.Background(), &models.Subscription{OrderID: "ORD-1"})
	if !res.IsValid {
		t.Fatal("candidate with no matches must be valid")
	}
	statuses := map[string]dedupe.CheckStatus{}
	for _, check := range res.Checks {
		statuses[check.Rule] = check.Status
	}
	if statuses["email_exact"] != dedupe.CheckSkipped {
		t.Fatalf("email_exact = %s, want Skipped (no email on candidate)", statuses["email_exact"])
	}
	if statuses["order_id"] != dedupe.CheckPassed {
		t.Fatalf("order_id = %s, want Passed", statuses["order_id"])
	}
}

type failingSubscriptionStore struct{}

func (failingSubscriptionStore) Create(ctx context.Context, sub *models.Subscription) error {
	return errors.New("store down")
}

func (failingSubscriptionStore) UpdateStatus(ctx context.Context, id int, status models.SubscriptionStatus) (int64, error) {
	return 0, errors.New("store down")
}

func (failingSubscriptionStore) FindMatches(ctx context.Context, q store.SubscriptionQuery) ([]*models.Subscription, error) {
	return nil, errors.New("store down")
}

func TestStoreErrorFailsOpen(t *testing.T) {
	v := dedupe.NewValidator(failingSubscriptionStore{})

	res := v.Validate(context.Background(), &models.Subscription{
		Email:             "thida@example.com",
		ExternalReference: "EXT-1",
		OrderID:           "ORD-1",
	})
	if !res.IsValid || res.DuplicateFound {
		t.Fatal("unreachable store must not block the operation")
	}
	for _, check := range res.Checks {
		if check.Status != dedupe.CheckSkipped {
			t.Fatalf("rule %s = %s, want Skipped", check.Rule, check.Status)
		}
		if check.SkipReason == "" {
			t.Fatalf("rule %s skipped without a reason", check.Rule)
		}
	}
}

func TestCustomRuleAppliedPerCall(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	seedSubscription(t, subStore, models.Subscription{
		OrderID:   "ORD-9",
		CreatedAt: time.Now().Add(-90 * time.Hour), // past the standing 72h order window
	})
	v := dedupe.NewValidator(subStore)

	candidate := &models.Subscription{OrderID: "ORD-9"}
	if res := v.Validate(context.Background(), candidate); res.DuplicateFound {
		t.Fatal("standing rules should not match a 90h-old order")
	}

	wide := dedupe.Rule{
		Name:           "order_id_wide",
		Criterion:      dedupe.CriterionOrderID,
		Window:         120 * time.Hour,
		BaseConfidence: 0.6,
		Enabled:        true,
	}
	res := v.Validate(context.Background(), candidate, wide)
	if !res.DuplicateFound || res.DuplicateDetails.Rule != "order_id_wide" {
		t.Fatalf("custom rule did not fire: %+v", res.DuplicateDetails)
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	seedSubscription(t, subStore, models.Subscription{
		Email:     "thida@example.com",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	rules := []dedupe.Rule{
		{Name: "email_exact", Criterion: dedupe.CriterionEmail, Window: 24 * time.Hour, BaseConfidence: 0.8, Enabled: false},
	}
	v := dedupe.NewValidator(subStore, dedupe.WithRules(rules))

	res := v.Validate(context.Background(), &models.Subscription{Email: "thida@example.com"})
	if res.DuplicateFound {
		t.Fatal("disabled rule must not run")
	}
	if len(res.Checks) != 0 {
		t.Fatalf("expected no checks, got %d", len(res.Checks))
	}
}

func TestInvalidRuleSkipped(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	v := dedupe.NewValidator(subStore)

	bad := dedupe.Rule{Name: "bad_window", Criterion: dedupe.CriterionEmail, Window: 0, BaseConfidence: 0.5, Enabled: true}
	res := v.Validate(context.Background(), &models.Subscription{Email: "thida@example.com"}, bad)
	var found *dedupe.CheckResult
	for i := range res.Checks {
		if res.Checks[i].Rule == "bad_window" {
			found = &res.Checks[i]
		}
	}
	if found == nil || found.Status != dedupe.CheckSkipped {
		t.Fatalf("malformed rule must be skipped, got %+v", found)
	}
}

func TestValidateBatch(t *testing.T) {
	subStore := store.NewMemorySubscriptionStore()
	seedSubscription(t, subStore, models.Subscription{
		Email:     "dup@example.com",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	v := dedupe.NewValidator(subStore, dedupe.WithBatchSize(2))

	recs := []*models.Subscription{
		{Email: "dup@example.com"},
		{Email: "fresh@example.com"},
		{Email: "dup@example.com"},
		nil,
	}
	results := v.ValidateBatch(context.Background(), recs)
	if len(results) != len(recs) {
		t.Fatalf("got %d results for %d candidates", len(results), len(recs))
	}
	if !results[0].DuplicateFound || !results[2].DuplicateFound {
		t.Fatal("duplicate candidates not flagged")
	}
	if results[1].DuplicateFound {
		t.Fatal("fresh candidate flagged")
	}
	if !results[3].IsValid {
		t.Fatal("nil candidate must be trivially valid")
	}
}
