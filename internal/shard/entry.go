package shard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/deslabs/des/internal/codec"
)

// bigFileFlag is bit 0 of the v2 index entry's flags byte (§3).
const bigFileFlag = 0x01

// Entry is one shard index record. Inline and BigFile variants share the
// UID+Meta prefix and are otherwise a discriminated union keyed on
// IsBigFile — a tagged record rather than an inheritance hierarchy
// (§9 "Index entry variants").
type Entry struct {
	UID  []byte
	Meta []byte

	IsBigFile bool

	// Inline fields (IsBigFile == false).
	Offset           uint64
	Length           uint64
	CodecID          codec.ID
	CompressedSize   uint64
	UncompressedSize uint64

	// BigFile fields (IsBigFile == true).
	Hash        string // ASCII SHA-256 hex
	BigFileSize uint64
}

// EncodeEntry appends one v2 index entry to w. Writers always emit v2
// (§4.3 "Writers always emit v2").
func EncodeEntry(w io.Writer, e Entry) error {
	if len(e.UID) > 65535 {
		return fmt.Errorf("%w: uid exceeds 65535 bytes", ErrCorruptShard)
	}
	if len(e.Meta) > int(^uint32(0)) {
		return fmt.Errorf("%w: meta too large", ErrCorruptShard)
	}

	var head [2]byte
	binary.BigEndian.PutUint16(head[:], uint16(len(e.UID)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.UID); err != nil {
		return err
	}

	var flags byte
	if e.IsBigFile {
		flags |= bigFileFlag
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}

	if e.IsBigFile {
		return encodeBigFileTail(w, e)
	}
	return encodeInlineTail(w, e)
}

func encodeBigFileTail(w io.Writer, e Entry) error {
	var hashLen [2]byte
	binary.BigEndian.PutUint16(hashLen[:], uint16(len(e.Hash)))
	if _, err := w.Write(hashLen[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Hash); err != nil {
		return err
	}
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], e.BigFileSize)
	if _, err := w.Write(tail[:]); err != nil {
		return err
	}
	return writeMeta(w, e.Meta)
}

func encodeInlineTail(w io.Writer, e Entry) error {
	var buf [8 * 4]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Offset)
	binary.BigEndian.PutUint64(buf[8:16], e.Length)
	if _, err := w.Write(buf[0:16]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(e.CodecID)}); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(buf[16:24], e.CompressedSize)
	binary.BigEndian.PutUint64(buf[24:32], e.UncompressedSize)
	if _, err := w.Write(buf[16:32]); err != nil {
		return err
	}
	return writeMeta(w, e.Meta)
}

func writeMeta(w io.Writer, meta []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(meta)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(meta)
	return err
}

// DecodeEntry reads one index entry from r. version selects the v1
// (legacy, inline-only, no meta) or v2 layout (§3).
func DecodeEntry(r io.Reader, version uint8) (Entry, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated entry name length: %v", ErrCorruptShard, err)
	}
	nameLen := binary.BigEndian.Uint16(head[:])
	uid := make([]byte, nameLen)
	if _, err := io.ReadFull(r, uid); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated entry uid: %v", ErrCorruptShard, err)
	}

	if version == VersionV1 {
		return decodeInlineEntryV1(r, uid)
	}
	return decodeEntryV2(r, uid)
}

func decodeEntryV2(r io.Reader, uid []byte) (Entry, error) {
	var flagByte [1]byte
	if _, err := io.ReadFull(r, flagByte[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated entry flags: %v", ErrCorruptShard, err)
	}
	isBigFile := flagByte[0]&bigFileFlag != 0

	if isBigFile {
		return decodeBigFileTail(r, uid)
	}
	return decodeInlineTailV2(r, uid)
}

func decodeBigFileTail(r io.Reader, uid []byte) (Entry, error) {
	var hashLenBuf [2]byte
	if _, err := io.ReadFull(r, hashLenBuf[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated hash length: %v", ErrCorruptShard, err)
	}
	hashLen := binary.BigEndian.Uint16(hashLenBuf[:])
	hashBytes := make([]byte, hashLen)
	if _, err := io.ReadFull(r, hashBytes); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated hash: %v", ErrCorruptShard, err)
	}
	var tail [8]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated bigfile size: %v", ErrCorruptShard, err)
	}
	meta, err := readMeta(r)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		UID:         uid,
		IsBigFile:   true,
		Hash:        string(hashBytes),
		BigFileSize: binary.BigEndian.Uint64(tail[:]),
		Meta:        meta,
	}, nil
}

func decodeInlineTailV2(r io.Reader, uid []byte) (Entry, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated entry offset/length: %v", ErrCorruptShard, err)
	}
	offset := binary.BigEndian.Uint64(buf[0:8])
	length := binary.BigEndian.Uint64(buf[8:16])

	var codecByte [1]byte
	if _, err := io.ReadFull(r, codecByte[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated codec id: %v", ErrCorruptShard, err)
	}

	var sizes [16]byte
	if _, err := io.ReadFull(r, sizes[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated entry sizes: %v", ErrCorruptShard, err)
	}
	meta, err := readMeta(r)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		UID:              uid,
		IsBigFile:        false,
		Offset:           offset,
		Length:           length,
		CodecID:          codec.ID(codecByte[0]),
		CompressedSize:   binary.BigEndian.Uint64(sizes[0:8]),
		UncompressedSize: binary.BigEndian.Uint64(sizes[8:16]),
		Meta:             meta,
	}, nil
}

func decodeInlineEntryV1(r io.Reader, uid []byte) (Entry, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated v1 entry offset/length: %v", ErrCorruptShard, err)
	}
	offset := binary.BigEndian.Uint64(buf[0:8])
	length := binary.BigEndian.Uint64(buf[8:16])

	var codecByte [1]byte
	if _, err := io.ReadFull(r, codecByte[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated v1 codec id: %v", ErrCorruptShard, err)
	}
	if codecByte[0] > byte(codec.Lz4) {
		return Entry{}, fmt.Errorf("%w: v1 entry references unknown codec %d", ErrCorruptShard, codecByte[0])
	}

	var sizes [16]byte
	if _, err := io.ReadFull(r, sizes[:]); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated v1 entry sizes: %v", ErrCorruptShard, err)
	}
	return Entry{
		UID:              uid,
		IsBigFile:        false,
		Offset:           offset,
		Length:           length,
		CodecID:          codec.ID(codecByte[0]),
		CompressedSize:   binary.BigEndian.Uint64(sizes[0:8]),
		UncompressedSize: binary.BigEndian.Uint64(sizes[8:16]),
	}, nil
}

func readMeta(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated meta length: %v", ErrCorruptShard, err)
	}
	metaLen := binary.BigEndian.Uint32(lenBuf[:])
	if metaLen == 0 {
		return nil, nil
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, fmt.Errorf("%w: truncated meta: %v", ErrCorruptShard, err)
	}
	return meta, nil
}

// EncodeIndex serializes a full ordered list of entries as they will be
// written between DATA and FOOTER.
func EncodeIndex(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := EncodeEntry(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeIndex parses a full index blob of the given shard version. It
// consumes entries sequentially until the blob is exhausted; the blob's
// exact length comes from the footer's index_size field, which is the
// only framing the format relies on.
func DecodeIndex(data []byte, version uint8) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(data)
	var entries []Entry
	for r.Len() > 0 {
		e, err := DecodeEntry(r, version)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Lookup scans entries in write order and returns the *last* matching
// UID (§4.3 "readers resolve the last occurrence", §8 "Duplicate-UID
// resolution").
func Lookup(entries []Entry, uid []byte) (Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if bytes.Equal(entries[i].UID, uid) {
			return entries[i], true
		}
	}
	return Entry{}, false
}
