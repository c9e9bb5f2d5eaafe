package session

import (
	"errors"
	"testing"
	"time"
)

func TestUpsertCreatesAndMutates(t *testing.T) {
	tbl := NewTable(10)
	now := time.Unix(0, 0)

	s, err := tbl.Upsert(1, now, func(s *Session) { s.ClientClassID = "PXEClient" })
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if s.State != AwaitingAuthoritativeOffer {
		t.Fatalf("State = %v, want AwaitingAuthoritativeOffer", s.State)
	}

	s2, err := tbl.Upsert(1, now.Add(time.Second), func(s *Session) { s.State = OfferSent })
	if err != nil {
		t.Fatalf("Upsert (existing): %v", err)
	}
	if s2 != s {
		t.Fatal("Upsert on existing xid returned a different *Session")
	}
	if s2.State != OfferSent {
		t.Fatalf("State = %v, want OfferSent", s2.State)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (no duplicate session for same xid)", tbl.Len())
	}
}

// TestCapacityEvictionOldestFirst mirrors end-to-end scenario 3: with
// max_sessions=2, three DISCOVERs at t=0,1,40s must leave xid A evicted
// (the third arrives once A is older than evictAge).
func TestCapacityEvictionOldestFirst(t *testing.T) {
	tbl := NewTable(2)
	base := time.Unix(0, 0)

	const xidA, xidB, xidC = 1, 2, 3

	if _, err := tbl.Upsert(xidA, base, func(*Session) {}); err != nil {
		t.Fatalf("Upsert A: %v", err)
	}
	if _, err := tbl.Upsert(xidB, base.Add(time.Second), func(*Session) {}); err != nil {
		t.Fatalf("Upsert B: %v", err)
	}

	// xid A is now older than evictAge, so it's the one that gives way.
	if _, err := tbl.Upsert(xidC, base.Add(40*time.Second), func(*Session) {}); err != nil {
		t.Fatalf("Upsert C: %v", err)
	}

	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
	if _, ok := tbl.Get(xidA); ok {
		t.Fatal("xid A still present, want evicted (oldest first)")
	}
	if _, ok := tbl.Get(xidB); !ok {
		t.Fatal("xid B missing, want present")
	}
	if _, ok := tbl.Get(xidC); !ok {
		t.Fatal("xid C missing, want present")
	}
}

func TestUpsertAtCapacityTooYoungToEvict(t *testing.T) {
	tbl := NewTable(1)
	base := time.Unix(0, 0)

	if _, err := tbl.Upsert(1, base, func(*Session) {}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	_, err := tbl.Upsert(2, base.Add(5*time.Second), func(*Session) {})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	if _, ok := tbl.Get(1); !ok {
		t.Fatal("original session evicted despite being too young")
	}
}

func TestReapRemovesExpiredAndReportsReason(t *testing.T) {
	tbl := NewTable(10)
	base := time.Unix(0, 0)

	tbl.Upsert(1, base, func(s *Session) {}) //nolint:errcheck
	tbl.Upsert(2, base, func(s *Session) {
		s.Authoritative = &AuthoritativeOffer{}
	}) //nolint:errcheck

	reaped := tbl.Reap(base.Add(ttl + time.Second))
	if len(reaped) != 2 {
		t.Fatalf("len(reaped) = %d, want 2", len(reaped))
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() after reap = %d, want 0", tbl.Len())
	}

	byXid := map[uint32]ReapReason{}
	for _, r := range reaped {
		byXid[r.Xid] = r.Reason
	}
	if byXid[1] != ReapMissingAuthoritativeOffer {
		t.Fatalf("xid 1 reason = %v, want ReapMissingAuthoritativeOffer", byXid[1])
	}
	if byXid[2] != ReapMissingClientRequest {
		t.Fatalf("xid 2 reason = %v, want ReapMissingClientRequest", byXid[2])
	}
}

func TestReapIsIdempotent(t *testing.T) {
	tbl := NewTable(10)
	base := time.Unix(0, 0)
	tbl.Upsert(1, base, func(*Session) {}) //nolint:errcheck

	later := base.Add(ttl + time.Second)
	first := tbl.Reap(later)
	second := tbl.Reap(later)

	if len(first) != 1 {
		t.Fatalf("first reap len = %d, want 1", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second reap len = %d, want 0", len(second))
	}
}

func TestReapNeverExceedsTTLPlusInterval(t *testing.T) {
	tbl := NewTable(10)
	base := time.Unix(0, 0)
	tbl.Upsert(1, base, func(*Session) {}) //nolint:errcheck

	// Just before TTL: must survive.
	if r := tbl.Reap(base.Add(ttl - time.Second)); len(r) != 0 {
		t.Fatalf("reaped too early: %v", r)
	}
	// Within TTL + one reap interval: must be gone.
	if r := tbl.Reap(base.Add(ttl + reapInterval)); len(r) != 1 {
		t.Fatalf("not reaped within ttl+reapInterval: len=%d", len(r))
	}
}
