package core_test

import (
	"errors"
	"fmt"
	"testing"

	"LendLedger/internal/core"
)

// stubDBChecker records lookups and answers from a fixed key set.
type stubDBChecker struct {
	known   map[string]bool
	lookups int
	fail    bool
}

func (s *stubDBChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	s.lookups++
	if s.fail {
		return false, errors.New("db down")
	}
	return s.known[eventType+":"+idempotencyKey], nil
}

// ============================================================================
// Test: two-tier dedup
// ============================================================================

func TestIdempotencyChecker_LRUHitSkipsDB(t *testing.T) {
	db := &stubDBChecker{known: map[string]bool{}}
	ic := core.NewIdempotencyChecker(100, db)

	ic.MarkProcessed("Deposit", "op-1")
	if !ic.IsDuplicate("Deposit", "op-1") {
		t.Error("marked key should be a duplicate")
	}
	if db.lookups != 0 {
		t.Errorf("LRU hit should not reach the DB, got %d lookups", db.lookups)
	}
}

func TestIdempotencyChecker_ColdPathWarmsLRU(t *testing.T) {
	db := &stubDBChecker{known: map[string]bool{"Deposit:op-1": true}}
	ic := core.NewIdempotencyChecker(100, db)

	if !ic.IsDuplicate("Deposit", "op-1") {
		t.Fatal("DB-known key should be a duplicate")
	}
	if db.lookups != 1 {
		t.Fatalf("expected 1 DB lookup, got %d", db.lookups)
	}
	// Second check is served from the LRU.
	if !ic.IsDuplicate("Deposit", "op-1") {
		t.Fatal("second check should still be a duplicate")
	}
	if db.lookups != 1 {
		t.Errorf("second check should not reach the DB, got %d lookups", db.lookups)
	}
}

func TestIdempotencyChecker_DBErrorAssumesNotDuplicate(t *testing.T) {
	db := &stubDBChecker{fail: true}
	ic := core.NewIdempotencyChecker(100, db)

	if ic.IsDuplicate("Deposit", "op-1") {
		t.Error("DB failure must not block processing")
	}
	if ic.GetMetrics().GetTier2Errors() != 1 {
		t.Errorf("tier-2 errors = %d, want 1", ic.GetMetrics().GetTier2Errors())
	}
}

func TestIdempotencyChecker_EventTypeScopesKeys(t *testing.T) {
	ic := core.NewIdempotencyChecker(100, nil)
	ic.MarkProcessed("Deposit", "op-1")

	if ic.IsDuplicate("Withdraw", "op-1") {
		t.Error("same operation ID under a different event type is distinct")
	}
}

// ============================================================================
// Test: LRU behavior
// ============================================================================

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(3)
	for i := 0; i < 4; i++ {
		lru.Add(fmt.Sprintf("key-%d", i))
	}

	if lru.Size() != 3 {
		t.Errorf("size = %d, want 3", lru.Size())
	}
	if lru.Contains("key-0") {
		t.Error("oldest key should have been evicted")
	}
	if !lru.Contains("key-3") {
		t.Error("newest key should remain")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", lru.Evictions())
	}
}

func TestIdempotencyLRU_ContainsPromotes(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote
	lru.Add("c")      // evicts b, not a

	if !lru.Contains("a") {
		t.Error("promoted key should survive eviction")
	}
	if lru.Contains("b") {
		t.Error("least recently used key should have been evicted")
	}
}

func TestWarmFromKeys_DeduplicatesAndCaps(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.WarmFromKeys([]string{"a", "a", "b", "c"})

	if lru.Size() != 2 {
		t.Errorf("size = %d, want 2", lru.Size())
	}
	if !lru.Contains("c") {
		t.Error("most recent warmed key should remain")
	}
}
