// Package localfs implements the Backend contract over a local directory
// tree, grounded on the teacher's internal/storage/fs.Layout and its
// stage-then-rename write discipline (segment.Writer's temp-file-then-close
// pattern, generalized to arbitrary object keys instead of one segment
// file per process).
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/deslabs/des/internal/backend"
)

// Backend stores objects as files under Root, using the object key
// (always a "/"-separated relative path, e.g. "20241115/a5.des") as the
// file's relative path.
type Backend struct {
	id   string
	root string
}

// New creates a local filesystem backend rooted at root. root is created
// if it does not exist.
func New(id, root string) (*Backend, error) {
	if root == "" {
		return nil, errors.New("localfs: root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: mkdir root: %w", err)
	}
	return &Backend{id: id, root: root}, nil
}

// ID implements backend.Backend.
func (b *Backend) ID() string { return b.id }

func (b *Backend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// lockKey takes an advisory exclusive flock on key's sibling .lock file so
// two concurrent planner writers never race the same object (e.g. two
// writers publishing the same content-addressed BigFile sibling). The local backend has no
// server-side conditional-put primitive to fall back on, unlike S3.
func (b *Backend) lockKey(key string) (unlock func(), err error) {
	lockPath := b.path(key) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Put implements backend.Backend using a temp-file-then-rename publish so
// that readers never observe a partially written object (§4.3 "Failure
// modes: ... MUST NOT leave a partial shard object").
func (b *Backend) Put(_ context.Context, key string, r io.Reader, size int64) error {
	dest := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("localfs: mkdir: %w", err)
	}

	unlock, err := b.lockKey(key)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("localfs: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("localfs: write temp: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("localfs: wrote %d bytes, expected %d", written, size)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("localfs: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("localfs: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("localfs: rename: %w", err)
	}
	succeeded = true
	return nil
}

// Get implements backend.Backend.
func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	return data, nil
}

// GetRange implements backend.Backend with inclusive [start, end] bounds,
// or a suffix range when start is negative.
func (b *Backend) GetRange(_ context.Context, key string, start, end int64) ([]byte, int64, error) {
	f, err := os.Open(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, backend.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	totalSize := info.Size()

	if start < 0 {
		length := -start
		start = totalSize - length
		if start < 0 {
			start = 0
		}
		end = totalSize - 1
	}

	length := end - start + 1
	if length <= 0 {
		return nil, 0, fmt.Errorf("localfs: invalid range [%d,%d]", start, end)
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	return buf[:n], totalSize, nil
}

// Head implements backend.Backend.
func (b *Backend) Head(_ context.Context, key string) (backend.ObjectInfo, error) {
	info, err := os.Stat(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return backend.ObjectInfo{}, backend.ErrNotFound
	}
	if err != nil {
		return backend.ObjectInfo{}, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	return backend.ObjectInfo{Size: info.Size()}, nil
}

// Exists implements backend.Backend.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	return true, nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	return nil
}

// ObjectLockSet implements backend.Backend. Local filesystems have no
// native WORM primitive, so this always reports degraded=true; callers
// (the extended-retention manager) fall back to the sidecar ledger
// (§4.9, §9 "Object-lock availability").
func (b *Backend) ObjectLockSet(_ context.Context, _ string, _ time.Time) (bool, error) {
	return true, nil
}
