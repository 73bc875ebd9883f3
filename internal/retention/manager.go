package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/codec"
	"github.com/deslabs/des/internal/router"
	"github.com/deslabs/des/internal/shard"
)

// ErrInvalidInput mirrors the shared taxonomy for this package's own
// validation failures (monotonic retain_until, clock skew, WORM
// precedence between retention and tombstones).
var ErrInvalidInput = errors.New("retention: invalid input")

// DefaultOverlayPrefix is the §6 default for the overlay prefix.
const DefaultOverlayPrefix = "_ext_retention"

// ClockSkewTolerance is the §4.9 allowance for retain_until to be "in the
// past" due to clock skew between caller and server.
const ClockSkewTolerance = 5 * time.Second

// Options configures a Manager.
type Options struct {
	Backend        backend.Backend
	Ledger         *Ledger
	NBits          int
	OverlayPrefix  string
	BigFilesPrefix string
	Codecs         *codec.Adapter
	Logger         *slog.Logger
}

// Manager implements the extended-retention state machine (§4.9) and the
// tombstone overlay (§4.9a). Both share the overlay key prefix and the
// sidecar ledger that records which of the two occupies a given key.
type Manager struct {
	opts   Options
	logger *slog.Logger
}

// New builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("retention: backend required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("retention: ledger required")
	}
	if opts.OverlayPrefix == "" {
		opts.OverlayPrefix = DefaultOverlayPrefix
	}
	if opts.BigFilesPrefix == "" {
		opts.BigFilesPrefix = shard.DefaultBigFilesPrefix
	}
	if opts.Codecs == nil {
		adapter, err := codec.NewAdapter()
		if err != nil {
			return nil, fmt.Errorf("retention: init codec adapter: %w", err)
		}
		opts.Codecs = adapter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger}, nil
}

// SetRetentionResult reports the outcome of a set_retention call.
type SetRetentionResult struct {
	Action   string // "moved" or "updated"
	Degraded bool   // true if the back-end has no native object lock
}

func overlayKey(prefix, uid string, createdAt time.Time) string {
	dateDir := router.DateDir(createdAt)
	return fmt.Sprintf("%s/%s/%s_%s.dat", prefix, dateDir, uid, createdAt.UTC().Format(time.RFC3339))
}

// SetRetention implements the S0/S1 state machine (§4.9). S0 (no overlay
// row yet) copies the payload out of its shard and transitions to S1,
// returning "moved". S1 (an overlay row already exists) updates the
// object-lock retain_until in place, returning "updated"; the new
// retain_until must be >= the existing one.
func (m *Manager) SetRetention(ctx context.Context, uid []byte, createdAt, retainUntil time.Time) (SetRetentionResult, error) {
	if err := validateRetainUntil(retainUntil); err != nil {
		return SetRetentionResult{}, err
	}
	key := overlayKey(m.opts.OverlayPrefix, string(uid), createdAt)

	row, found, err := m.opts.Ledger.Get(ctx, key)
	if err != nil {
		return SetRetentionResult{}, fmt.Errorf("%w: ledger lookup: %v", backend.ErrBackend, err)
	}

	if found && row.Kind == KindTombstone {
		return SetRetentionResult{}, fmt.Errorf("%w: uid is tombstoned, clear the tombstone before extending retention", ErrInvalidInput)
	}

	if found && row.Kind == KindRetention {
		if retainUntil.Before(row.RetainUntil) {
			return SetRetentionResult{}, fmt.Errorf("%w: retain_until must not move backwards", ErrInvalidInput)
		}
		degraded, err := m.opts.Backend.ObjectLockSet(ctx, key, retainUntil)
		if err != nil {
			return SetRetentionResult{}, fmt.Errorf("%w: object lock set: %v", backend.ErrBackend, err)
		}
		if err := m.opts.Ledger.SetRetention(ctx, key, retainUntil); err != nil {
			return SetRetentionResult{}, fmt.Errorf("%w: ledger update: %v", backend.ErrBackend, err)
		}
		m.logger.Info("retention updated", "overlay_key", key, "retain_until", retainUntil, "degraded", degraded)
		return SetRetentionResult{Action: "updated", Degraded: degraded}, nil
	}

	// S0: copy the payload out of its shard, bypassing the overlay probe.
	loc, err := router.Locate(uid, createdAt, m.opts.NBits)
	if err != nil {
		return SetRetentionResult{}, err
	}
	data, _, err := shard.Get(ctx, m.opts.Backend, loc.ObjectKey, m.opts.BigFilesPrefix, uid, shard.VersionV2, m.opts.Codecs)
	if err != nil {
		return SetRetentionResult{}, err
	}
	if err := m.opts.Backend.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return SetRetentionResult{}, fmt.Errorf("%w: overlay copy put: %v", backend.ErrBackend, err)
	}
	degraded, err := m.opts.Backend.ObjectLockSet(ctx, key, retainUntil)
	if err != nil {
		return SetRetentionResult{}, fmt.Errorf("%w: object lock set: %v", backend.ErrBackend, err)
	}
	if err := m.opts.Ledger.SetRetention(ctx, key, retainUntil); err != nil {
		return SetRetentionResult{}, fmt.Errorf("%w: ledger insert: %v", backend.ErrBackend, err)
	}
	m.logger.Info("retention moved", "overlay_key", key, "retain_until", retainUntil, "degraded", degraded)
	return SetRetentionResult{Action: "moved", Degraded: degraded}, nil
}

// TombstoneAction reports what Tombstone actually did.
type TombstoneAction string

const (
	TombstoneCreated           TombstoneAction = "created"
	TombstoneAlreadyTombstoned TombstoneAction = "already_tombstoned"
)

// Tombstone marks (uid, created_at) as deleted without touching its
// immutable shard (§4.9a). Refused if an extended-retention copy already
// exists at the same overlay key.
func (m *Manager) Tombstone(ctx context.Context, uid []byte, createdAt time.Time) (TombstoneAction, error) {
	key := overlayKey(m.opts.OverlayPrefix, string(uid), createdAt)

	row, found, err := m.opts.Ledger.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: ledger lookup: %v", backend.ErrBackend, err)
	}
	if found && row.Kind == KindRetention {
		return "", fmt.Errorf("%w: uid has an active retention copy, clear it before tombstoning", ErrInvalidInput)
	}
	if found && row.Kind == KindTombstone {
		return TombstoneAlreadyTombstoned, nil
	}

	if err := m.opts.Backend.Put(ctx, key, bytes.NewReader(nil), 0); err != nil {
		return "", fmt.Errorf("%w: tombstone put: %v", backend.ErrBackend, err)
	}
	if err := m.opts.Ledger.SetTombstone(ctx, key); err != nil {
		return "", fmt.Errorf("%w: ledger insert: %v", backend.ErrBackend, err)
	}
	m.logger.Info("tombstone created", "overlay_key", key)
	return TombstoneCreated, nil
}

// Untombstone removes a tombstone marker, idempotently.
func (m *Manager) Untombstone(ctx context.Context, uid []byte, createdAt time.Time) error {
	key := overlayKey(m.opts.OverlayPrefix, string(uid), createdAt)
	if err := m.opts.Backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: tombstone delete: %v", backend.ErrBackend, err)
	}
	if err := m.opts.Ledger.Remove(ctx, key); err != nil {
		return fmt.Errorf("%w: ledger remove: %v", backend.ErrBackend, err)
	}
	return nil
}

// Probe is the retrieval engine's overlay probe (§4.7 step 1). A
// tombstone hit is reported as shard.ErrNotFound, never as served bytes.
func (m *Manager) Probe(ctx context.Context, uid []byte, createdAt time.Time) ([]byte, bool, error) {
	key := overlayKey(m.opts.OverlayPrefix, string(uid), createdAt)

	row, found, err := m.opts.Ledger.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: ledger lookup: %v", backend.ErrBackend, err)
	}
	if !found {
		return nil, false, nil
	}
	if row.Kind == KindTombstone {
		return nil, false, shard.ErrNotFound
	}

	data, err := m.opts.Backend.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: overlay get: %v", backend.ErrBackend, err)
	}
	return data, true, nil
}

func validateRetainUntil(retainUntil time.Time) error {
	if !retainUntil.After(time.Now().Add(-ClockSkewTolerance)) {
		return fmt.Errorf("%w: retain_until must be in the future (within %s clock skew)", ErrInvalidInput, ClockSkewTolerance)
	}
	return nil
}
