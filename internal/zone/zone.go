// Package zone implements the multi-zone dispatcher (§4.8): a static,
// non-overlapping partition of the shard-index space [0, 2^n_bits - 1]
// across independent retrieval engines, each backed by its own storage
// back-end. A zone outage is isolated to the shard indices it owns.
package zone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/deslabs/des/internal/retrieval"
	"github.com/deslabs/des/internal/router"
)

// ErrInvalidInput is returned for malformed zone-map configuration.
var ErrInvalidInput = errors.New("zone: invalid input")

// Range is one zone's slice of the shard-index space: the inclusive
// interval [Start, End].
type Range struct {
	Start   uint32
	End     uint32
	Handle  string
	Engine  *retrieval.Engine
}

// Map is a validated, immutable partition of [0, 2^NBits - 1] into Ranges
// sorted by Start, used to dispatch a shard index to its owning Engine.
type Map struct {
	nBits  int
	ranges []Range
}

// New validates ranges for full, non-overlapping coverage of the inclusive
// interval [0, 2^nBits - 1] and returns an immutable Map. Ranges may be
// supplied in any order; New sorts them by Start before validating
// adjacency.
func New(nBits int, ranges []Range) (*Map, error) {
	total, err := router.ShardCount(nBits)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: zone map must have at least one range", ErrInvalidInput)
	}
	lastIndex := total - 1

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, r := range sorted {
		if r.Engine == nil {
			return nil, fmt.Errorf("%w: zone %q has no engine", ErrInvalidInput, r.Handle)
		}
		if r.Start > r.End {
			return nil, fmt.Errorf("%w: zone %q has an inverted range [%d,%d]", ErrInvalidInput, r.Handle, r.Start, r.End)
		}
		if i == 0 {
			if r.Start != 0 {
				return nil, fmt.Errorf("%w: zone map does not start at 0 (starts at %d)", ErrInvalidInput, r.Start)
			}
			continue
		}
		prev := sorted[i-1]
		if r.Start != prev.End+1 {
			return nil, fmt.Errorf("%w: gap or overlap between zones %q [..%d] and %q [%d..]", ErrInvalidInput, prev.Handle, prev.End, r.Handle, r.Start)
		}
	}
	if last := sorted[len(sorted)-1]; last.End != lastIndex {
		return nil, fmt.Errorf("%w: zone map does not cover up to %d (ends at %d)", ErrInvalidInput, lastIndex, last.End)
	}

	return &Map{nBits: nBits, ranges: sorted}, nil
}

// Lookup returns the Range owning shardIndex via binary search.
func (m *Map) Lookup(shardIndex uint32) (Range, bool) {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].End >= shardIndex })
	if i == len(m.ranges) || shardIndex < m.ranges[i].Start {
		return Range{}, false
	}
	return m.ranges[i], true
}

// NBits reports the routing-bits configuration the Map was built for.
func (m *Map) NBits() int { return m.nBits }

// Dispatcher routes a uid to its owning zone's retrieval engine.
type Dispatcher struct {
	zoneMap *Map
}

// NewDispatcher wraps a validated Map for use as a retrieval front door.
func NewDispatcher(zoneMap *Map) *Dispatcher {
	return &Dispatcher{zoneMap: zoneMap}
}

// Get locates uid's shard index, dispatches to the owning zone's engine,
// and returns its bytes. A failure in one zone never touches another: the
// only shared state here is the immutable Map itself.
func (d *Dispatcher) Get(ctx context.Context, uid []byte, createdAt time.Time) ([]byte, error) {
	loc, err := router.Locate(uid, createdAt, d.zoneMap.nBits)
	if err != nil {
		return nil, err
	}
	zoneRange, ok := d.zoneMap.Lookup(loc.ShardIndex)
	if !ok {
		return nil, fmt.Errorf("%w: shard index %d has no owning zone", ErrInvalidInput, loc.ShardIndex)
	}
	return zoneRange.Engine.Get(ctx, uid, createdAt)
}
