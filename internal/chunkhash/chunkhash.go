// Package chunkhash computes a fast whole-shard integrity checksum over a
// shard's DATA section. It plays the same defensive role the teacher's
// segment footer checksum does, but the result is an out-of-band audit
// value (logged, returned to callers) rather than a field in the wire
// format — see SPEC_FULL.md §4.3.
package chunkhash

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// Hasher accumulates a BLAKE3 digest over bytes written through it.
type Hasher struct {
	h hash.Hash
}

// New returns a fresh Hasher.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Writer returns an io.Writer that feeds h; use with io.MultiWriter to hash
// while streaming data elsewhere (e.g. to a scratch file).
func (h *Hasher) Writer() io.Writer { return h.h }

// Sum returns the current hex-encoded digest without resetting state.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// SumBytes is a convenience one-shot hash of a byte slice.
func SumBytes(data []byte) string {
	h := blake3.New()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
