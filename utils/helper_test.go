package utils_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/subscriptions_backend/utils"
)

func TestIsValidEmail(t *testing.T) {
	if !utils.IsValidEmail("thida@example.com") {
		t.Fatal("valid address rejected")
	}
	for _, bad := range []string{"", "not-an-email", "a@b", "@example.com"} {
		if utils.IsValidEmail(bad) {
			t.Fatalf("accepted %q", bad)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := utils.NormalizeEmail("  John.Doe@Example.COM "); got != "john.doe@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePhoneFallback(t *testing.T) {
	// unparseable input degrades to digits only
	if got := utils.NormalizePhone("ext. 12-34"); got != "1234" {
		t.Fatalf("got %q", got)
	}
	if got := utils.NormalizePhone("  "); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePhoneFormattedVariantsAgree(t *testing.T) {
	a := utils.NormalizePhone("09 123 456 789")
	b := utils.NormalizePhone("09123456789")
	if a != b {
		t.Fatalf("formatted variants disagree: %q vs %q", a, b)
	}
}

func TestUniqueSlice(t *testing.T) {
	got := utils.UniqueSlice([]string{"a", "b", "a", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %v", got)
	}
}

func TestClampConfidence(t *testing.T) {
	if got := utils.ClampConfidence(1.25); got != 1 {
		t.Fatalf("got %v", got)
	}
	if got := utils.ClampConfidence(-0.1); got != 0 {
		t.Fatalf("got %v", got)
	}
	if got := utils.ClampConfidence(0.42); got != 0.42 {
		t.Fatalf("got %v", got)
	}
}
