package shard

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/codec"
)

// IndexResult is everything the footer+index range reads produce: the
// parsed entries and where the DATA section begins, which is exactly
// what an index cache entry stores (§3, §4.7).
type IndexResult struct {
	Version         uint8
	Entries         []Entry
	DataStart       int64
	TotalSize       int64
	RangeGETsIssued int
}

// FetchHeaderVersion range-reads just the 8-byte header to discover
// whether a shard is v1 (legacy, inline-only) or v2. It costs one extra
// range GET; callers that can assume every shard they will ever open was
// produced by this module's writer (always v2, §4.3) should skip it and
// call FetchIndex directly with VersionV2.
func FetchHeaderVersion(ctx context.Context, b backend.Backend, objectKey string) (uint8, error) {
	headerBytes, _, err := b.GetRange(ctx, objectKey, 0, int64(HeaderLen-1))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: header range get: %v", backend.ErrBackend, err)
	}
	header, err := DecodeHeader(bytes.NewReader(headerBytes))
	if err != nil {
		return 0, err
	}
	return header.Version, nil
}

// FetchIndex performs the footer range read followed by the index range
// read (§4.4 steps 1-2), using the Content-Range-derived total size
// instead of a separate HEAD call. version selects the v1 or v2 index
// entry layout (VersionV2 for shards this module wrote).
func FetchIndex(ctx context.Context, b backend.Backend, objectKey string, version uint8) (IndexResult, error) {
	footerBytes, totalSize, err := b.GetRange(ctx, objectKey, -int64(FooterLen), -1)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return IndexResult{}, err
		}
		return IndexResult{}, fmt.Errorf("%w: footer range get: %v", backend.ErrBackend, err)
	}
	if len(footerBytes) != FooterLen {
		return IndexResult{}, fmt.Errorf("%w: truncated footer (got %d bytes)", ErrCorruptShard, len(footerBytes))
	}
	footer, err := DecodeFooter(bytes.NewReader(footerBytes))
	if err != nil {
		return IndexResult{}, err
	}

	indexEnd := totalSize - int64(FooterLen)
	indexStart := indexEnd - int64(footer.IndexSize)
	if indexStart < int64(HeaderLen) || indexStart > indexEnd {
		return IndexResult{}, fmt.Errorf("%w: index bounds inconsistent with footer", ErrCorruptShard)
	}

	var indexBytes []byte
	if footer.IndexSize > 0 {
		indexBytes, _, err = b.GetRange(ctx, objectKey, indexStart, indexEnd-1)
		if err != nil {
			return IndexResult{}, fmt.Errorf("%w: index range get: %v", backend.ErrBackend, err)
		}
		if int64(len(indexBytes)) != int64(footer.IndexSize) {
			return IndexResult{}, fmt.Errorf("%w: truncated index (got %d of %d bytes)", ErrCorruptShard, len(indexBytes), footer.IndexSize)
		}
	}

	entries, err := DecodeIndex(indexBytes, version)
	if err != nil {
		return IndexResult{}, err
	}

	return IndexResult{
		Version:         version,
		Entries:         entries,
		DataStart:       int64(HeaderLen),
		TotalSize:       totalSize,
		RangeGETsIssued: 2,
	}, nil
}

// FetchPayload performs the third range protocol step: either a payload
// range GET for an inline entry, or a whole-object GET of the BigFile
// sibling (§4.4 step 4). codecs decompresses inline payloads.
func FetchPayload(ctx context.Context, b backend.Backend, objectKey, bigFilesPrefix string, entry Entry, codecs *codec.Adapter) ([]byte, error) {
	if entry.IsBigFile {
		key := bigFilesPrefix + "/" + entry.Hash
		data, err := b.Get(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: bigfile get: %v", backend.ErrBackend, err)
		}
		if uint64(len(data)) != entry.BigFileSize {
			return nil, fmt.Errorf("%w: bigfile size mismatch (got %d, want %d)", ErrCorruptShard, len(data), entry.BigFileSize)
		}
		return data, nil
	}

	start := int64(entry.Offset)
	end := start + int64(entry.Length) - 1
	compressed, _, err := b.GetRange(ctx, objectKey, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: payload range get: %v", backend.ErrBackend, err)
	}
	if int64(len(compressed)) != int64(entry.Length) {
		return nil, fmt.Errorf("%w: truncated payload (got %d of %d bytes)", ErrCorruptShard, len(compressed), entry.Length)
	}

	if !codecs.Supports(entry.CodecID) {
		return nil, fmt.Errorf("%w: unknown codec id %d", ErrCorruptShard, entry.CodecID)
	}
	decoded, err := codecs.Decode(entry.CodecID, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptShard, err)
	}
	if uint64(len(decoded)) != entry.UncompressedSize {
		return nil, fmt.Errorf("%w: decoded length mismatch (got %d, want %d)", ErrCorruptShard, len(decoded), entry.UncompressedSize)
	}
	return decoded, nil
}

// Get performs the complete three-range read for uid on a cold index
// cache: FetchIndex then FetchPayload (§4.4, §8 "Three-range read
// budget"). Callers holding a warm cached IndexResult should call
// FetchPayload directly instead. version should be VersionV2 unless the
// caller has independently confirmed (via FetchHeaderVersion) that the
// shard predates BigFiles.
func Get(ctx context.Context, b backend.Backend, objectKey, bigFilesPrefix string, uid []byte, version uint8, codecs *codec.Adapter) ([]byte, IndexResult, error) {
	idx, err := FetchIndex(ctx, b, objectKey, version)
	if err != nil {
		return nil, IndexResult{}, err
	}
	entry, ok := Lookup(idx.Entries, uid)
	if !ok {
		return nil, idx, ErrNotFound
	}
	data, err := FetchPayload(ctx, b, objectKey, bigFilesPrefix, entry, codecs)
	if err != nil {
		return nil, idx, err
	}
	return data, idx, nil
}
