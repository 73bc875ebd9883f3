package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := OpenLedger(filepath.Join(dir, "retention.db"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerGetMissing(t *testing.T) {
	l := openTestLedger(t)
	if _, found, err := l.Get(context.Background(), "missing"); err != nil || found {
		t.Fatalf("expected a clean miss, got found=%v err=%v", found, err)
	}
}

func TestLedgerSetRetentionRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := l.SetRetention(ctx, "k", until); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	row, found, err := l.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("expected a hit, got found=%v err=%v", found, err)
	}
	if row.Kind != KindRetention {
		t.Fatalf("expected KindRetention, got %q", row.Kind)
	}
	if !row.RetainUntil.Equal(until) {
		t.Fatalf("got %v, want %v", row.RetainUntil, until)
	}
}

func TestLedgerSetRetentionUpdatesExisting(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	first := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = l.SetRetention(ctx, "k", first)
	if err := l.SetRetention(ctx, "k", second); err != nil {
		t.Fatalf("SetRetention update: %v", err)
	}
	row, _, err := l.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !row.RetainUntil.Equal(second) {
		t.Fatalf("got %v, want %v", row.RetainUntil, second)
	}
}

func TestLedgerSetTombstoneAndRemove(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	if err := l.SetTombstone(ctx, "k"); err != nil {
		t.Fatalf("SetTombstone: %v", err)
	}
	row, found, err := l.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("expected a hit, got found=%v err=%v", found, err)
	}
	if row.Kind != KindTombstone {
		t.Fatalf("expected KindTombstone, got %q", row.Kind)
	}
	if err := l.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, _ := l.Get(ctx, "k"); found {
		t.Fatalf("expected row to be gone after Remove")
	}
}
