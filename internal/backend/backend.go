// Package backend declares the storage capability set shared by the
// shard writer and reader (§4.5): whole-object put/get, byte-range get,
// head, delete, exists, and a best-effort object-lock primitive used only
// by the extended-retention overlay.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get/GetRange/Head when the object does not
// exist.
var ErrNotFound = errors.New("backend: object not found")

// ErrBackend wraps transport, timeout, throttling, and other 5xx-class
// failures (§7). Idempotent GET/HEAD callers retry with backoff (the
// retrieval engine's default policy allows up to 3 attempts); write-path
// callers abort instead.
var ErrBackend = errors.New("backend: transport error")

// ObjectInfo is the result of a HEAD request.
type ObjectInfo struct {
	Size int64
}

// Backend is the capability set a shard writer or reader needs from a
// storage provider. Local filesystem and S3-compatible object storage are
// the two variants this module ships (§4.5); both satisfy strong
// read-after-write for newly written objects and per-object PUT atomicity.
type Backend interface {
	// ID identifies the backend instance for index-cache keying
	// (§3 "Index cache entry. Key = (backend_id, object_key)").
	ID() string

	// Put writes size bytes from r as a single object, replacing any
	// existing object at key. It is idempotent.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get reads the whole object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange reads the inclusive byte range [start, end] of the object
	// at key and reports the object's total size alongside the data, the
	// same information an S3 Content-Range response header carries
	// (§4.4 "a HEAD-free trick ... the Content-Range header gives total
	// size"). If start is negative, it denotes a suffix range of -start
	// bytes counted from the end of the object (mirroring S3's
	// "bytes=-N" suffix ranges) and end is ignored.
	GetRange(ctx context.Context, key string, start, end int64) (data []byte, totalSize int64, err error)

	// Head returns object metadata without reading its body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object at key. Used by the extended-retention
	// and tombstone overlays, never by core shard writes.
	Delete(ctx context.Context, key string) error

	// ObjectLockSet applies a WORM retention timestamp to the object at
	// key. degraded is true when the backend has no native object-lock
	// primitive (local FS) and the caller fell back to a sidecar ledger
	// (§4.9, §9 "Object-lock availability").
	ObjectLockSet(ctx context.Context, key string, retainUntil time.Time) (degraded bool, err error)
}
