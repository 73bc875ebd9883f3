package router

import (
	"errors"
	"testing"
	"time"
)

func TestLocateDeterministic(t *testing.T) {
	ts := time.Date(2024, 11, 15, 10, 0, 0, 0, time.UTC)
	a, err := Locate([]byte("file-000001"), ts, 8)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	b, err := Locate([]byte("file-000001"), ts, 8)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if a != b {
		t.Fatalf("locate not deterministic: %+v vs %+v", a, b)
	}
	if a.ObjectKey != "20241115/"+a.ShardHex+".des" {
		t.Fatalf("unexpected object key: %s", a.ObjectKey)
	}
	if len(a.ShardHex) != 2 {
		t.Fatalf("expected 2-char shard hex for n_bits=8, got %q", a.ShardHex)
	}
}

func TestLocateEmptyUID(t *testing.T) {
	_, err := Locate(nil, time.Now(), 8)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLocateBitsOutOfRange(t *testing.T) {
	for _, n := range []int{0, 3, 17, 64} {
		if _, err := Locate([]byte("x"), time.Now(), n); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("n_bits=%d: expected ErrInvalidInput, got %v", n, err)
		}
	}
}

func TestLocateHexWidth(t *testing.T) {
	ts := time.Now()
	cases := []struct {
		nBits int
		width int
	}{
		{4, 1},
		{8, 2},
		{12, 3},
		{16, 4},
	}
	for _, c := range cases {
		loc, err := Locate([]byte("abc"), ts, c.nBits)
		if err != nil {
			t.Fatalf("n_bits=%d: %v", c.nBits, err)
		}
		if len(loc.ShardHex) != c.width {
			t.Fatalf("n_bits=%d: expected hex width %d, got %q", c.nBits, c.width, loc.ShardHex)
		}
	}
}

func TestLocateDifferentDatesDifferentDirs(t *testing.T) {
	uid := []byte("same-uid")
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	a, _ := Locate(uid, t1, 8)
	b, _ := Locate(uid, t2, 8)
	if a.DateDir == b.DateDir {
		t.Fatalf("expected distinct date dirs, got %s for both", a.DateDir)
	}
	if a.ShardIndex != b.ShardIndex {
		t.Fatalf("expected same shard index for same uid, got %d vs %d", a.ShardIndex, b.ShardIndex)
	}
}

func TestShardIndexInRange(t *testing.T) {
	ts := time.Now()
	uids := []string{"a", "bb", "ccc", "some-long-uid-value-1234567890"}
	for _, n := range []int{4, 8, 16} {
		max, err := ShardCount(n)
		if err != nil {
			t.Fatalf("ShardCount(%d): %v", n, err)
		}
		for _, u := range uids {
			loc, err := Locate([]byte(u), ts, n)
			if err != nil {
				t.Fatalf("locate: %v", err)
			}
			if loc.ShardIndex >= max {
				t.Fatalf("shard index %d out of range [0,%d) for n_bits=%d", loc.ShardIndex, max, n)
			}
		}
	}
}
