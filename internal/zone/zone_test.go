package zone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deslabs/des/internal/backend/memback"
	"github.com/deslabs/des/internal/retrieval"
	"github.com/deslabs/des/internal/router"
)

func testEngine(t *testing.T, id string) *retrieval.Engine {
	t.Helper()
	b := memback.New(id)
	eng, err := retrieval.New(retrieval.Options{Backend: b, NBits: 4, Sleep: func(time.Duration) {}})
	if err != nil {
		t.Fatalf("retrieval.New: %v", err)
	}
	return eng
}

func TestNewRejectsGap(t *testing.T) {
	eng := testEngine(t, "z1")
	_, err := New(4, []Range{
		{Start: 0, End: 3, Handle: "z1", Engine: eng},
		{Start: 5, End: 15, Handle: "z2", Engine: eng},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a gap, got %v", err)
	}
}

func TestNewRejectsOverlap(t *testing.T) {
	eng := testEngine(t, "z1")
	_, err := New(4, []Range{
		{Start: 0, End: 9, Handle: "z1", Engine: eng},
		{Start: 8, End: 15, Handle: "z2", Engine: eng},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for an overlap, got %v", err)
	}
}

func TestNewRejectsIncompleteCoverage(t *testing.T) {
	eng := testEngine(t, "z1")
	_, err := New(4, []Range{
		{Start: 0, End: 9, Handle: "z1", Engine: eng},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for incomplete coverage, got %v", err)
	}
}

func TestNewRejectsNonZeroStart(t *testing.T) {
	eng := testEngine(t, "z1")
	_, err := New(4, []Range{
		{Start: 2, End: 15, Handle: "z1", Engine: eng},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput when the map doesn't start at 0, got %v", err)
	}
}

func TestLookupBinarySearch(t *testing.T) {
	e1, e2, e3 := testEngine(t, "z1"), testEngine(t, "z2"), testEngine(t, "z3")
	m, err := New(4, []Range{
		{Start: 8, End: 15, Handle: "z3", Engine: e3},
		{Start: 0, End: 3, Handle: "z1", Engine: e1},
		{Start: 4, End: 7, Handle: "z2", Engine: e2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		idx    uint32
		handle string
	}{
		{0, "z1"}, {3, "z1"}, {4, "z2"}, {7, "z2"}, {8, "z3"}, {15, "z3"},
	}
	for _, c := range cases {
		r, ok := m.Lookup(c.idx)
		if !ok {
			t.Fatalf("Lookup(%d): no owning zone", c.idx)
		}
		if r.Handle != c.handle {
			t.Fatalf("Lookup(%d): got zone %q, want %q", c.idx, r.Handle, c.handle)
		}
	}
	if _, ok := m.Lookup(16); ok {
		t.Fatalf("Lookup(16): expected out-of-range miss")
	}
}

// TestLookupCanonicalTwoZoneExample exercises the worked example of an
// 8-bit routing space split into two equal, inclusive-bound zones:
// [0,127] and [128,255].
func TestLookupCanonicalTwoZoneExample(t *testing.T) {
	low, high := testEngine(t, "low"), testEngine(t, "high")
	m, err := New(8, []Range{
		{Start: 0, End: 127, Handle: "low", Engine: low},
		{Start: 128, End: 255, Handle: "high", Engine: high},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r, ok := m.Lookup(127); !ok || r.Handle != "low" {
		t.Fatalf("Lookup(127): got %+v, ok=%v, want zone \"low\"", r, ok)
	}
	if r, ok := m.Lookup(128); !ok || r.Handle != "high" {
		t.Fatalf("Lookup(128): got %+v, ok=%v, want zone \"high\"", r, ok)
	}
	if _, ok := m.Lookup(256); ok {
		t.Fatalf("Lookup(256): expected out-of-range miss")
	}
}

func TestDispatcherMissesInEachEmptyZone(t *testing.T) {
	good := testEngine(t, "good")
	bad := testEngine(t, "bad")
	m, err := New(4, []Range{
		{Start: 0, End: 7, Handle: "good", Engine: good},
		{Start: 8, End: 15, Handle: "bad", Engine: bad},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := NewDispatcher(m)

	createdAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	uidInGood, uidInBad := findUIDInRange(t, m, 0, 8, createdAt), findUIDInRange(t, m, 8, 16, createdAt)

	if _, err := d.Get(context.Background(), uidInBad, createdAt); err == nil {
		t.Fatalf("expected a miss against the empty 'bad' zone")
	}
	if _, err := d.Get(context.Background(), uidInGood, createdAt); err == nil {
		t.Fatalf("expected a miss against the empty 'good' zone too (nothing written yet)")
	}
}

// findUIDInRange brute-forces a uid whose shard index lands in the
// half-open interval [start, end) -- a search-helper convention, not the
// Range type's own inclusive [Start, End] semantics.
func findUIDInRange(t *testing.T, m *Map, start, end uint32, createdAt time.Time) []byte {
	t.Helper()
	for i := 0; i < 100000; i++ {
		uid := []byte(time.Unix(int64(i), 0).Format(time.RFC3339Nano))
		loc, err := router.Locate(uid, createdAt, m.nBits)
		if err != nil {
			continue
		}
		if loc.ShardIndex >= start && loc.ShardIndex < end {
			return uid
		}
	}
	t.Fatalf("could not find a uid hashing into [%d,%d)", start, end)
	return nil
}
