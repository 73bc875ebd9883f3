// Package retention implements the extended-retention manager (§4.9) and
// the supplemented tombstone overlay (§4.9a), plus the SQLite-backed
// sidecar ledger, which every Manager requires whatever its back-end. The
// ledger is grounded on the teacher's internal/meta.Store: same
// open/migrate/pragma shape, same sql.DB-over-modernc.org/sqlite stack. It
// never locates shard payloads, only the kind and retain_until of overlay
// keys — the "no metadata DB for locating files" non-goal still holds.
package retention

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Kind distinguishes an extended-retention copy from a tombstone marker
// recorded at the same overlay key.
type Kind string

const (
	KindRetention Kind = "retention"
	KindTombstone Kind = "tombstone"
)

// Ledger tracks (overlay_key) -> (kind, retain_until) rows.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens or creates the sidecar ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("retention: ledger db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db}
	if err := l.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := l.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS overlay_state (
	overlay_key  TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	retain_until TEXT,
	updated_at   TEXT NOT NULL
)`)
	return err
}

// Row is one overlay key's recorded state.
type Row struct {
	Kind        Kind
	RetainUntil time.Time
}

// Get returns the recorded state for overlayKey, if any.
func (l *Ledger) Get(ctx context.Context, overlayKey string) (Row, bool, error) {
	var kind string
	var retainUntil sql.NullString
	err := l.db.QueryRowContext(ctx, "SELECT kind, retain_until FROM overlay_state WHERE overlay_key = ?", overlayKey).Scan(&kind, &retainUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	row := Row{Kind: Kind(kind)}
	if retainUntil.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, retainUntil.String)
		if err != nil {
			return Row{}, false, err
		}
		row.RetainUntil = parsed
	}
	return row, true, nil
}

// SetRetention upserts a retention-kind row for overlayKey.
func (l *Ledger) SetRetention(ctx context.Context, overlayKey string, retainUntil time.Time) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO overlay_state(overlay_key, kind, retain_until, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(overlay_key) DO UPDATE SET kind=excluded.kind, retain_until=excluded.retain_until, updated_at=excluded.updated_at`,
		overlayKey, string(KindRetention), retainUntil.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// SetTombstone upserts a tombstone-kind row for overlayKey.
func (l *Ledger) SetTombstone(ctx context.Context, overlayKey string) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO overlay_state(overlay_key, kind, retain_until, updated_at)
VALUES(?, ?, NULL, ?)
ON CONFLICT(overlay_key) DO UPDATE SET kind=excluded.kind, retain_until=NULL, updated_at=excluded.updated_at`,
		overlayKey, string(KindTombstone), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Remove deletes overlayKey's row, if present.
func (l *Ledger) Remove(ctx context.Context, overlayKey string) error {
	_, err := l.db.ExecContext(ctx, "DELETE FROM overlay_state WHERE overlay_key = ?", overlayKey)
	return err
}
