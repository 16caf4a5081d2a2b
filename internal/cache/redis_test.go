package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNewBadAddr(t *testing.T) {
	_, err := New(Options{Addr: "invalid_host:9999"})
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestServiceInterface(t *testing.T) {
	// Verify that service implements Service interface
	var _ Service = (*service)(nil)
}

// Integration tests below need a running Redis; set REDIS_TEST_URL to run
// them, e.g. REDIS_TEST_URL=localhost:6379.
func testService(t *testing.T) Service {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_URL")
	if addr == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	svc, err := New(Options{Addr: addr})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestCashoutTokenLifecycle(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if err := svc.PutCashoutToken(ctx, 9001, "user-1", "tok-abc", 30*time.Second); err != nil {
		t.Fatalf("PutCashoutToken() failed: %v", err)
	}

	if err := svc.ConsumeCashoutToken(ctx, 9001, "user-1", "tok-abc"); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}

	// Single use: the same token must not work twice.
	err := svc.ConsumeCashoutToken(ctx, 9001, "user-1", "tok-abc")
	if !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch on second consume, got %v", err)
	}
}

func TestCashoutTokenWrongValue(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if err := svc.PutCashoutToken(ctx, 9002, "user-1", "tok-abc", 30*time.Second); err != nil {
		t.Fatalf("PutCashoutToken() failed: %v", err)
	}

	err := svc.ConsumeCashoutToken(ctx, 9002, "user-1", "tok-WRONG")
	if !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch for wrong token, got %v", err)
	}

	// A mismatch still consumed the stored value, so a later attempt with
	// the right token also fails. Clear must not error either way.
	if err := svc.ClearCashoutToken(ctx, 9002); err != nil {
		t.Fatalf("ClearCashoutToken() failed: %v", err)
	}
}

func TestCrashHistory(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	svc.GetClient().Del(ctx, keyCrashHistory)

	for _, cp := range []string{"1.23", "4.56", "7.89"} {
		if err := svc.PushCrashPoint(ctx, cp); err != nil {
			t.Fatalf("PushCrashPoint(%s) failed: %v", cp, err)
		}
	}

	got, err := svc.RecentCrashes(ctx, 2)
	if err != nil {
		t.Fatalf("RecentCrashes() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	// Newest first.
	if got[0] != "7.89" || got[1] != "4.56" {
		t.Fatalf("unexpected order: %v", got)
	}
}
