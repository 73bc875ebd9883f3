// Package shard implements the binary container format described in §3 and
// §4.3/§4.4: [HEADER | DATA | INDEX | FOOTER], its v1/v2 index entry
// encoding, and the writer/reader that produce and consume it.
package shard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptShard is returned for bad magics, truncated index, unknown
// codec ids, or decoded-length mismatches. It is never retried.
var ErrCorruptShard = errors.New("shard: corrupt shard")

// ErrNotFound is returned when a UID is absent from a shard whose object
// does exist.
var ErrNotFound = errors.New("shard: uid not found")

const (
	headerMagic = "DES2"
	footerMagic = "DESI"

	// HeaderLen is the fixed size of the shard header (§3).
	HeaderLen = 8
	// FooterLen is the fixed size of the shard footer (§3).
	FooterLen = 12

	// VersionV1 is the legacy, read-only, inline-only index layout.
	VersionV1 = uint8(1)
	// VersionV2 is the current index layout; writers always emit it.
	VersionV2 = uint8(2)
)

// Header is the 8-byte record at the start of every shard.
type Header struct {
	Version uint8
}

// EncodeHeader writes the 8-byte shard header.
func EncodeHeader(w io.Writer, h Header) error {
	var buf [HeaderLen]byte
	copy(buf[0:4], headerMagic)
	buf[4] = h.Version
	// buf[5:8] reserved, left zero.
	_, err := w.Write(buf[:])
	return err
}

// DecodeHeader reads and validates the shard header's magic.
func DecodeHeader(r io.Reader) (Header, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("shard: read header: %w", err)
	}
	if string(buf[0:4]) != headerMagic {
		return Header{}, fmt.Errorf("%w: bad header magic", ErrCorruptShard)
	}
	version := buf[4]
	if version != VersionV1 && version != VersionV2 {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptShard, version)
	}
	return Header{Version: version}, nil
}

// Footer is the 12-byte trailer written when a shard is closed.
type Footer struct {
	IndexSize uint64
}

// EncodeFooter writes the 12-byte shard footer.
func EncodeFooter(w io.Writer, f Footer) error {
	var buf [FooterLen]byte
	copy(buf[0:4], footerMagic)
	binary.BigEndian.PutUint64(buf[4:12], f.IndexSize)
	_, err := w.Write(buf[:])
	return err
}

// DecodeFooter reads and validates the shard footer's magic.
func DecodeFooter(r io.Reader) (Footer, error) {
	var buf [FooterLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Footer{}, fmt.Errorf("shard: read footer: %w", err)
	}
	if string(buf[0:4]) != footerMagic {
		return Footer{}, fmt.Errorf("%w: bad footer magic", ErrCorruptShard)
	}
	return Footer{IndexSize: binary.BigEndian.Uint64(buf[4:12])}, nil
}
