package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestAdapterRoundTrip(t *testing.T) {
	a, err := NewAdapter()
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	for _, id := range []ID{None, Zstd, Lz4} {
		encoded, err := a.Encode(id, LevelDefault, payload)
		if err != nil {
			t.Fatalf("encode %s: %v", id, err)
		}
		decoded, err := a.Decode(id, encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", id, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("codec %s: round trip mismatch", id)
		}
	}
}

func TestAdapterUnknownCodec(t *testing.T) {
	a, err := NewAdapter()
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	if _, err := a.Encode(ID(99), LevelDefault, []byte("x")); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
	if _, err := a.Decode(ID(99), []byte("x")); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestAdapterEmptyPayload(t *testing.T) {
	a, err := NewAdapter()
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	for _, id := range []ID{None, Zstd, Lz4} {
		encoded, err := a.Encode(id, LevelDefault, nil)
		if err != nil {
			t.Fatalf("encode %s: %v", id, err)
		}
		decoded, err := a.Decode(id, encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", id, err)
		}
		if len(decoded) != 0 {
			t.Fatalf("codec %s: expected empty result, got %d bytes", id, len(decoded))
		}
	}
}

func TestSkipHeuristic(t *testing.T) {
	cfg := DefaultSkipConfig()
	if !cfg.ShouldSkipByName("photo.JPG") {
		t.Fatalf("expected skip by extension for photo.JPG")
	}
	if cfg.ShouldSkipByName("notes.txt") {
		t.Fatalf("did not expect skip for notes.txt")
	}
	if !cfg.ShouldSkipBySize(10) {
		t.Fatalf("expected skip for tiny payload")
	}
	if cfg.ShouldSkipBySize(10000) {
		t.Fatalf("did not expect skip for large payload")
	}
	if !cfg.RatioAcceptable(1000, 800) {
		t.Fatalf("expected ratio 0.8 to be acceptable")
	}
	if cfg.RatioAcceptable(1000, 950) {
		t.Fatalf("did not expect ratio 0.95 to be acceptable")
	}
}
