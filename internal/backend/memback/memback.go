// Package memback is an in-memory backend.Backend used by this module's
// own test suites in place of a real filesystem or S3 bucket. It has no
// production role; the two shipped variants are localfs and s3backend
// (§4.5).
package memback

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/deslabs/des/internal/backend"
)

// Backend is a thread-safe map-backed Backend implementation.
type Backend struct {
	id string

	mu       sync.Mutex
	objects  map[string][]byte
	gets     int
	ranges   int
	heads    int
	puts     int
	failNext map[string]int // key -> remaining induced failures on GetRange
}

// New creates an empty in-memory backend.
func New(id string) *Backend {
	return &Backend{id: id, objects: make(map[string][]byte), failNext: make(map[string]int)}
}

// ID implements backend.Backend.
func (b *Backend) ID() string { return b.id }

// FailRangeGetsOnce arranges for the next n calls to GetRange on key to
// return ErrBackend, simulating a truncated/transport failure for retry
// tests (§7, §8 "Range GET returning fewer bytes than requested").
func (b *Backend) FailRangeGetsOnce(key string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[key] = n
}

// Counts returns the number of Get/GetRange/Head/Put calls observed so
// far, for asserting the §8 "three-range read budget" invariant.
func (b *Backend) Counts() (gets, ranges, heads, puts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets, b.ranges, b.heads, b.puts
}

// ResetCounts zeroes the call counters without clearing stored objects.
func (b *Backend) ResetCounts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets, b.ranges, b.heads, b.puts = 0, 0, 0, 0
}

func (b *Backend) Put(_ context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("memback: wrote %d bytes, expected %d", len(data), size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.objects[key] = data
	return nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	data, ok := b.objects[key]
	if !ok {
		return nil, backend.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *Backend) GetRange(_ context.Context, key string, start, end int64) ([]byte, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ranges++
	if n := b.failNext[key]; n > 0 {
		b.failNext[key] = n - 1
		return nil, 0, fmt.Errorf("%w: induced failure", backend.ErrBackend)
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, 0, backend.ErrNotFound
	}
	total := int64(len(data))
	if start < 0 {
		start = total + start
		if start < 0 {
			start = 0
		}
		end = total - 1
	}
	if start > end || start >= total {
		return nil, total, fmt.Errorf("memback: invalid range [%d,%d] for object of size %d", start, end, total)
	}
	if end >= total {
		end = total - 1
	}
	out := make([]byte, end-start+1)
	copy(out, data[start:end+1])
	return out, total, nil
}

func (b *Backend) Head(_ context.Context, key string) (backend.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heads++
	data, ok := b.objects[key]
	if !ok {
		return backend.ObjectInfo{}, backend.ErrNotFound
	}
	return backend.ObjectInfo{Size: int64(len(data))}, nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Head(ctx, key)
	if err == backend.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *Backend) ObjectLockSet(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}
