// Package planner groups a manifest of small files into shards and drives
// writer sessions to close them, isolating per-file failures the way the
// distilled spec's packer planner mandates (§4.6).
package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/codec"
	"github.com/deslabs/des/internal/router"
	"github.com/deslabs/des/internal/shard"
)

// FileToPack is one manifest record the planner will append to a shard.
type FileToPack struct {
	UID           []byte
	CreatedAt     time.Time
	SizeBytes     int64
	PayloadSource func() (io.ReadCloser, error)
	Meta          []byte
	Name          string
}

// FailedFile records one file the planner could not pack, without aborting
// the shard it would have belonged to (§4.6 step 5).
type FailedFile struct {
	UID   []byte
	Err   error
	Stage string
}

// ShardResult describes one closed physical shard, including any split
// suffix the writer assigned.
type ShardResult struct {
	ObjectKey    string
	Entries      int
	BytesWritten int64
	ContentHash  string
}

// PackResult is the contract this package exposes to the out-of-scope
// migration driver (§4.11): `pack(manifest_iter, config) → PackResult`.
type PackResult struct {
	BatchID string
	Shards  []ShardResult
	Failed  []FailedFile
}

// Config configures one pack run.
type Config struct {
	Backend           backend.Backend
	NBits             int
	MaxShardSizeBytes int64

	BigFilesPrefix        string
	BigFileThresholdBytes int64

	Codecs       *codec.Adapter
	DefaultCodec codec.ID
	DefaultLevel codec.Level
	Skip         codec.SkipConfig

	Logger *slog.Logger
}

type partitionKey struct {
	dateDir  string
	shardHex string
}

type routedFile struct {
	file FileToPack
	loc  router.Location
}

// Pack groups files by (date_dir, shard_hex), opens one writer per
// partition (rolling to a split suffix whenever max_shard_size_bytes would
// be exceeded), appends every file in manifest order, and closes each
// shard. A per-file failure is recorded and skipped; it never aborts the
// shard in progress (§4.6 step 5).
func Pack(ctx context.Context, manifest []FileToPack, cfg Config) (PackResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchID := uuid.New().String()
	logger = logger.With("batch_id", batchID)

	byPartition := make(map[partitionKey][]routedFile)
	var order []partitionKey
	result := PackResult{BatchID: batchID}

	for _, f := range manifest {
		loc, err := router.Locate(f.UID, f.CreatedAt, cfg.NBits)
		if err != nil {
			result.Failed = append(result.Failed, FailedFile{UID: f.UID, Err: err, Stage: "route"})
			continue
		}
		key := partitionKey{dateDir: loc.DateDir, shardHex: loc.ShardHex}
		if _, seen := byPartition[key]; !seen {
			order = append(order, key)
		}
		byPartition[key] = append(byPartition[key], routedFile{file: f, loc: loc})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].dateDir != order[j].dateDir {
			return order[i].dateDir < order[j].dateDir
		}
		return order[i].shardHex < order[j].shardHex
	})

	for _, key := range order {
		items := byPartition[key]
		shardResults, failed, err := packPartition(ctx, key, items, cfg, logger)
		if err != nil {
			return result, err
		}
		result.Shards = append(result.Shards, shardResults...)
		result.Failed = append(result.Failed, failed...)
	}

	logger.Info("pack complete", "shards", len(result.Shards), "failed", len(result.Failed))
	return result, nil
}

func packPartition(ctx context.Context, key partitionKey, items []routedFile, cfg Config, logger *slog.Logger) ([]ShardResult, []FailedFile, error) {
	var results []ShardResult
	var failed []FailedFile

	split := 0
	objectKey := items[0].loc.ObjectKey
	w, err := openWriter(cfg, objectKey, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("planner: open writer for %s: %w", objectKey, err)
	}

	closeAndRecord := func() error {
		res, err := w.Close(ctx)
		if err != nil {
			return fmt.Errorf("planner: close shard %s: %w", objectKey, err)
		}
		results = append(results, ShardResult{
			ObjectKey:    res.ObjectKey,
			Entries:      res.Entries,
			BytesWritten: res.BytesWritten,
			ContentHash:  res.ContentHash,
		})
		return nil
	}

	for _, it := range items {
		rc, err := it.file.PayloadSource()
		if err != nil {
			failed = append(failed, FailedFile{UID: it.file.UID, Err: err, Stage: "open_payload"})
			continue
		}

		appendErr := w.Append(ctx, shard.AppendInput{
			UID:      it.file.UID,
			Payload:  rc,
			SizeHint: it.file.SizeBytes,
			Meta:     it.file.Meta,
			Name:     it.file.Name,
		})
		_ = rc.Close()

		if appendErr == nil {
			continue
		}

		if errors.Is(appendErr, shard.ErrShardTooLarge) {
			// The current shard is full but intact (§4.6 step 3): close
			// and publish it as-is, then roll to a new split and retry
			// this same item against the fresh writer.
			if err := closeAndRecord(); err != nil {
				return nil, nil, err
			}
			split++
			objectKey = splitObjectKey(key, split)
			w, err = openWriter(cfg, objectKey, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("planner: open split writer for %s: %w", objectKey, err)
			}
			if err := w.Append(ctx, shard.AppendInput{
				UID:      it.file.UID,
				Payload:  mustReopen(it.file),
				SizeHint: it.file.SizeBytes,
				Meta:     it.file.Meta,
				Name:     it.file.Name,
			}); err != nil {
				failed = append(failed, FailedFile{UID: it.file.UID, Err: err, Stage: "append"})
			}
			continue
		}

		// Any other append error is isolated to this one file (§4.6 step
		// 5); the writer stays open with its prior entries intact.
		failed = append(failed, FailedFile{UID: it.file.UID, Err: appendErr, Stage: "append"})
	}

	if err := closeAndRecord(); err != nil {
		return nil, nil, err
	}
	return results, failed, nil
}

func mustReopen(f FileToPack) io.ReadCloser {
	rc, err := f.PayloadSource()
	if err != nil {
		return io.NopCloser(errReader{err})
	}
	return rc
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func openWriter(cfg Config, objectKey string, logger *slog.Logger) (*shard.Writer, error) {
	return shard.Open(shard.WriterOptions{
		Backend:               cfg.Backend,
		ObjectKey:             objectKey,
		BigFilesPrefix:        cfg.BigFilesPrefix,
		BigFileThresholdBytes: cfg.BigFileThresholdBytes,
		MaxShardSizeBytes:     cfg.MaxShardSizeBytes,
		Codecs:                cfg.Codecs,
		DefaultCodec:          cfg.DefaultCodec,
		DefaultLevel:          cfg.DefaultLevel,
		Skip:                  cfg.Skip,
		Logger:                logger,
	})
}

func splitObjectKey(key partitionKey, split int) string {
	return fmt.Sprintf("%s/%s_%04d.des", key.dateDir, key.shardHex, split)
}
