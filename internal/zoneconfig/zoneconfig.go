// Package zoneconfig decodes the zone-map deployment file (§6) and
// validates it at boot, independently of which backend.Backend
// implementations the zones end up wired to. The decode/validate split
// mirrors the teacher's lib/config package: decode, then a Validate pass,
// which Load and Decode both run before returning. No defaults are
// applied.
package zoneconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/deslabs/des/internal/router"
)

// ErrInvalidInput is returned when the decoded file fails validation.
var ErrInvalidInput = errors.New("zoneconfig: invalid input")

// BackendConfig names which backend.Backend implementation a zone uses
// and the parameters it needs to construct one.
type BackendConfig struct {
	Type     string            `yaml:"type"`
	Bucket   string            `yaml:"bucket"`
	Region   string            `yaml:"region,omitempty"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// ZoneConfig is one inclusive [Start, End] shard-index range and the
// backend that owns it.
type ZoneConfig struct {
	Handle  string        `yaml:"handle"`
	Start   uint32        `yaml:"start"`
	End     uint32        `yaml:"end"`
	Backend BackendConfig `yaml:"backend"`
}

// Config is the decoded shape of the zone-map deployment file.
type Config struct {
	NBits int          `yaml:"n_bits"`
	Zones []ZoneConfig `yaml:"zones"`
}

// Load reads and decodes the zone-map file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zoneconfig: read %s: %w", path, err)
	}
	return Decode(data)
}

// Decode unmarshals raw YAML bytes into a Config and validates it.
func Decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("zoneconfig: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks full, non-overlapping coverage of the inclusive interval
// [0, 2^n_bits - 1] and that every zone names a handle and a backend type.
// This is the same coverage check zone.New performs, run here before any
// backend or retrieval engine is constructed so a misconfigured deployment
// file fails at boot instead of at first request.
func (c *Config) Validate() error {
	total, err := router.ShardCount(c.NBits)
	if err != nil {
		return err
	}
	if len(c.Zones) == 0 {
		return fmt.Errorf("%w: zone map must have at least one zone", ErrInvalidInput)
	}
	lastIndex := total - 1

	sorted := make([]ZoneConfig, len(c.Zones))
	copy(sorted, c.Zones)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, z := range sorted {
		if z.Handle == "" {
			return fmt.Errorf("%w: zone at index %d has no handle", ErrInvalidInput, i)
		}
		if z.Backend.Type == "" {
			return fmt.Errorf("%w: zone %q has no backend.type", ErrInvalidInput, z.Handle)
		}
		if z.Start > z.End {
			return fmt.Errorf("%w: zone %q has an inverted range [%d,%d]", ErrInvalidInput, z.Handle, z.Start, z.End)
		}
		if i == 0 {
			if z.Start != 0 {
				return fmt.Errorf("%w: zone map does not start at 0 (starts at %d)", ErrInvalidInput, z.Start)
			}
			continue
		}
		prev := sorted[i-1]
		if z.Start != prev.End+1 {
			return fmt.Errorf("%w: gap or overlap between zones %q [..%d] and %q [%d..]", ErrInvalidInput, prev.Handle, prev.End, z.Handle, z.Start)
		}
	}
	if last := sorted[len(sorted)-1]; last.End != lastIndex {
		return fmt.Errorf("%w: zone map does not cover up to %d (ends at %d)", ErrInvalidInput, lastIndex, last.End)
	}
	return nil
}
