// Package retrieval implements the single-zone read path: overlay probe,
// router, shard reader, and the bounded index cache, with the retry policy
// for transient backend errors (§4.7). The doubling-backoff shape mirrors
// the teacher's repl package retry loop.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/codec"
	"github.com/deslabs/des/internal/indexcache"
	"github.com/deslabs/des/internal/retention"
	"github.com/deslabs/des/internal/router"
	"github.com/deslabs/des/internal/shard"
)

// maxSplitProbe bounds how many split suffixes Get will try past the bare
// shard before giving up: splits _0001 through _10000. The planner puts no
// upper bound on the split number; the walk also stops at the first split
// key that does not exist.
const maxSplitProbe = 10000

// RetryPolicy is the §4.7 retry policy for ErrBackend on idempotent GET/HEAD
// calls. ErrCorruptShard is never retried.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches §4.7: base 50ms, factor 2, cap 2s, max 3
// attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 50 * time.Millisecond, Factor: 2, Cap: 2 * time.Second, MaxAttempts: 3}
}

// Options configures an Engine.
type Options struct {
	Backend        backend.Backend
	NBits          int
	BigFilesPrefix string
	Codecs         *codec.Adapter
	Cache          *indexcache.Cache
	Overlay        *retention.Manager
	Retry          RetryPolicy
	Logger         *slog.Logger

	// Sleep overrides time.Sleep for retry backoff; tests substitute a
	// no-op to avoid real delays.
	Sleep func(time.Duration)
}

// Engine serves Get(uid, created_at) against one zone's backend.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New builds a retrieval Engine.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("retrieval: backend required")
	}
	if opts.Codecs == nil {
		adapter, err := codec.NewAdapter()
		if err != nil {
			return nil, fmt.Errorf("retrieval: init codec adapter: %w", err)
		}
		opts.Codecs = adapter
	}
	if opts.BigFilesPrefix == "" {
		opts.BigFilesPrefix = shard.DefaultBigFilesPrefix
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger}, nil
}

// Get resolves uid to its shard location and returns its stored bytes.
// Extended-retention and tombstone overlays are probed first (§4.7 step
// 1, §4.9a); a tombstone hit is reported as ErrNotFound.
func (e *Engine) Get(ctx context.Context, uid []byte, createdAt time.Time) ([]byte, error) {
	if e.opts.Overlay != nil {
		data, hit, err := e.opts.Overlay.Probe(ctx, uid, createdAt)
		if err != nil {
			return nil, err
		}
		if hit {
			return data, nil
		}
	}

	loc, err := router.Locate(uid, createdAt, e.opts.NBits)
	if err != nil {
		return nil, err
	}

	return e.getFromShardChain(ctx, loc, uid)
}

// getFromShardChain walks the bare shard object, then its _0001, _0002, ...
// split siblings in order, stopping at the first shard whose index
// contains uid. A shard plan's files can land in any one of these physical
// objects (§4.6 step 3), so the reader must accept any object matching the
// prefix date/hex* as a candidate (§4.3) rather than assuming the bare key
// alone is authoritative.
func (e *Engine) getFromShardChain(ctx context.Context, loc router.Location, uid []byte) ([]byte, error) {
	objectKey := loc.ObjectKey
	for split := 0; split <= maxSplitProbe; split++ {
		if split > 0 {
			objectKey = splitObjectKey(loc, split)
		}
		idx, err := e.fetchIndex(ctx, objectKey)
		if errors.Is(err, backend.ErrNotFound) {
			return nil, shard.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if entry, ok := shard.Lookup(idx.Entries, uid); ok {
			return e.fetchPayload(ctx, objectKey, entry)
		}
	}
	return nil, shard.ErrNotFound
}

func splitObjectKey(loc router.Location, split int) string {
	return fmt.Sprintf("%s/%s_%04d.des", loc.DateDir, loc.ShardHex, split)
}

func (e *Engine) fetchIndex(ctx context.Context, objectKey string) (shard.IndexResult, error) {
	cacheKey := indexcache.Key{BackendID: e.opts.Backend.ID(), ObjectKey: objectKey}
	if e.opts.Cache != nil {
		if idx, ok := e.opts.Cache.Get(cacheKey); ok {
			return idx, nil
		}
	}

	idx, err := withRetry(ctx, e.opts.Retry, e.opts.Sleep, func() (shard.IndexResult, error) {
		return shard.FetchIndex(ctx, e.opts.Backend, objectKey, shard.VersionV2)
	})
	if err != nil {
		return shard.IndexResult{}, err
	}

	if e.opts.Cache != nil {
		e.opts.Cache.Put(cacheKey, idx, time.Now())
	}
	return idx, nil
}

func (e *Engine) fetchPayload(ctx context.Context, objectKey string, entry shard.Entry) ([]byte, error) {
	data, err := withRetry(ctx, e.opts.Retry, e.opts.Sleep, func() ([]byte, error) {
		return shard.FetchPayload(ctx, e.opts.Backend, objectKey, e.opts.BigFilesPrefix, entry, e.opts.Codecs)
	})
	if err != nil && errors.Is(err, shard.ErrCorruptShard) && e.opts.Cache != nil {
		e.opts.Cache.Remove(indexcache.Key{BackendID: e.opts.Backend.ID(), ObjectKey: objectKey})
	}
	return data, err
}

// withRetry retries fn on ErrBackend with doubling backoff, never on
// ErrCorruptShard or any other error.
func withRetry[T any](ctx context.Context, policy RetryPolicy, sleep func(time.Duration), fn func() (T, error)) (T, error) {
	wait := policy.Base
	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, backend.ErrBackend) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}
		sleep(wait)
		wait = time.Duration(float64(wait) * policy.Factor)
		if wait > policy.Cap {
			wait = policy.Cap
		}
	}
	return zero, lastErr
}
