package shard

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeHeader(&buf, Header{Version: VersionV2}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.Len() != HeaderLen {
		t.Fatalf("expected %d bytes, got %d", HeaderLen, buf.Len())
	}
	h, err := DecodeHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Version != VersionV2 {
		t.Fatalf("expected version 2, got %d", h.Version)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	bad := []byte{'X', 'X', 'X', 'X', 2, 0, 0, 0}
	if _, err := DecodeHeader(bytes.NewReader(bad)); !errors.Is(err, ErrCorruptShard) {
		t.Fatalf("expected ErrCorruptShard, got %v", err)
	}
}

func TestFooterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeFooter(&buf, Footer{IndexSize: 4096}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.Len() != FooterLen {
		t.Fatalf("expected %d bytes, got %d", FooterLen, buf.Len())
	}
	f, err := DecodeFooter(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.IndexSize != 4096 {
		t.Fatalf("expected index size 4096, got %d", f.IndexSize)
	}
}

func TestFooterTruncated(t *testing.T) {
	if _, err := DecodeFooter(bytes.NewReader([]byte("short"))); err == nil {
		t.Fatalf("expected an error for truncated footer")
	}
}

func TestFooterBadMagic(t *testing.T) {
	bad := make([]byte, FooterLen)
	copy(bad, "XXXX")
	if _, err := DecodeFooter(bytes.NewReader(bad)); !errors.Is(err, ErrCorruptShard) {
		t.Fatalf("expected ErrCorruptShard, got %v", err)
	}
}
