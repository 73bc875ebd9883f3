package codec

import (
	"path/filepath"
	"strings"
)

// SkipConfig configures the writer's advisory compression skip heuristic
// (§4.2). It is advisory only: the codec_id actually recorded in a shard's
// index is what readers rely on for correctness.
type SkipConfig struct {
	// SkipExtensions names file extensions (lowercase, with the leading
	// dot, e.g. ".jpg") that are stored uncompressed unconditionally.
	SkipExtensions map[string]bool
	// MinSizeBytes is the smallest payload the writer will bother trial
	// compressing at all.
	MinSizeBytes int64
	// MinRatio is the largest compressed/original ratio considered worth
	// keeping; a worse ratio falls back to codec=none.
	MinRatio float64
}

// DefaultSkipExtensions mirrors the formats the spec names by category:
// images, video, and already-compressed archives.
func DefaultSkipExtensions() map[string]bool {
	exts := []string{
		".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic", ".bmp", ".tiff",
		".mp4", ".mov", ".avi", ".mkv", ".webm",
		".zip", ".gz", ".tgz", ".bz2", ".xz", ".7z", ".zst", ".rar",
	}
	out := make(map[string]bool, len(exts))
	for _, e := range exts {
		out[e] = true
	}
	return out
}

// DefaultSkipConfig returns the spec's default heuristic thresholds.
func DefaultSkipConfig() SkipConfig {
	return SkipConfig{
		SkipExtensions: DefaultSkipExtensions(),
		MinSizeBytes:   512,
		MinRatio:       0.90,
	}
}

// ShouldSkipByName reports whether name's extension is in the skip set.
func (c SkipConfig) ShouldSkipByName(name string) bool {
	if len(c.SkipExtensions) == 0 {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return c.SkipExtensions[ext]
}

// ShouldSkipBySize reports whether sizeBytes is below the compression
// floor, independent of any trial compression.
func (c SkipConfig) ShouldSkipBySize(sizeBytes int64) bool {
	min := c.MinSizeBytes
	if min <= 0 {
		min = 512
	}
	return sizeBytes < min
}

// RatioAcceptable reports whether a trial-compressed size is worth keeping
// relative to the original size.
func (c SkipConfig) RatioAcceptable(originalSize, compressedSize int64) bool {
	if originalSize <= 0 {
		return false
	}
	ratio := c.MinRatio
	if ratio <= 0 {
		ratio = 0.90
	}
	return float64(compressedSize)/float64(originalSize) <= ratio
}
