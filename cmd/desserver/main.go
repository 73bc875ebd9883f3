package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/backend/localfs"
	"github.com/deslabs/des/internal/backend/s3backend"
	"github.com/deslabs/des/internal/codec"
	"github.com/deslabs/des/internal/httpapi"
	"github.com/deslabs/des/internal/indexcache"
	"github.com/deslabs/des/internal/retention"
	"github.com/deslabs/des/internal/retrieval"
	"github.com/deslabs/des/internal/zone"
	"github.com/deslabs/des/internal/zoneconfig"
)

func main() {
	addr := flag.String("addr", ":9000", "HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "Data directory (local backend / retention ledger)")
	nBits := flag.Int("n-bits", 8, "Routing bits, n_bits in [4,16]")
	bucket := flag.String("bucket", "", "S3 bucket (enables the S3 backend instead of local FS)")
	region := flag.String("region", "us-east-1", "S3 region")
	endpoint := flag.String("endpoint", "", "S3-compatible endpoint (empty for AWS)")
	zoneMapPath := flag.String("zone-map", "", "Path to a zone-map YAML file (enables multi-zone dispatch)")
	cacheMaxEntries := flag.Int("cache-max-entries", indexcache.DefaultMaxEntries, "Index cache entry bound")
	cacheMaxBytes := flag.Int64("cache-max-bytes", 0, "Index cache byte budget (0 = unbounded)")
	cacheTTL := flag.Duration("cache-ttl", 0, "Index cache entry TTL (0 = no expiry)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "data dir error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	ledger, err := retention.OpenLedger(filepath.Join(*dataDir, "retention.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "retention ledger open error: %v\n", err)
		os.Exit(1)
	}
	defer ledger.Close()

	codecs, err := codec.NewAdapter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "codec adapter error: %v\n", err)
		os.Exit(1)
	}

	cache, err := indexcache.New(indexcache.Options{
		MaxEntries: *cacheMaxEntries,
		MaxBytes:   *cacheMaxBytes,
		TTL:        *cacheTTL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "index cache error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("index cache configured",
		"max_entries", *cacheMaxEntries,
		"max_bytes", humanize.Bytes(uint64(*cacheMaxBytes)),
		"ttl", *cacheTTL,
	)

	var getter httpapi.Getter
	var retentionBackend backend.Backend

	if *zoneMapPath != "" {
		dispatcher, zoneBackend, err := buildZoneDispatcher(ctx, *zoneMapPath, cache, codecs, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "zone map error: %v\n", err)
			os.Exit(1)
		}
		getter = dispatcher
		retentionBackend = zoneBackend
	} else {
		b, err := buildSingleBackend(ctx, *dataDir, *bucket, *region, *endpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backend init error: %v\n", err)
			os.Exit(1)
		}
		eng, err := retrieval.New(retrieval.Options{
			Backend: b,
			NBits:   *nBits,
			Codecs:  codecs,
			Cache:   cache,
			Logger:  logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "retrieval engine error: %v\n", err)
			os.Exit(1)
		}
		getter = eng
		retentionBackend = b
	}

	retentionMgr, err := retention.New(retention.Options{
		Backend: retentionBackend,
		Ledger:  ledger,
		NBits:   *nBits,
		Codecs:  codecs,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "retention manager error: %v\n", err)
		os.Exit(1)
	}

	handler := &httpapi.Handler{Getter: getter, Retention: retentionMgr, Logger: logger}
	logger.Info("desserver listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, handler.NewMux()); err != nil {
		fmt.Fprintf(os.Stderr, "listen error: %v\n", err)
		os.Exit(1)
	}
}

func buildSingleBackend(ctx context.Context, dataDir, bucket, region, endpoint string) (backend.Backend, error) {
	if bucket != "" {
		return s3backend.New(ctx, "zone-default", s3backend.Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: endpoint,
			PathStyle: endpoint != "",
		})
	}
	return localfs.New("zone-default", filepath.Join(dataDir, "objects"))
}

// buildZoneDispatcher decodes and validates the zone-map file, constructs
// one backend and retrieval engine per zone, and returns the resulting
// dispatcher. The retention manager is wired to the first zone's backend,
// the same single-overlay-prefix choice the extended-retention state
// machine assumes across a deployment.
func buildZoneDispatcher(ctx context.Context, path string, cache *indexcache.Cache, codecs *codec.Adapter, logger *slog.Logger) (*zone.Dispatcher, backend.Backend, error) {
	cfg, err := zoneconfig.Load(path)
	if err != nil {
		return nil, nil, err
	}

	ranges := make([]zone.Range, 0, len(cfg.Zones))
	var firstBackend backend.Backend
	for _, z := range cfg.Zones {
		b, err := buildZoneBackend(ctx, z)
		if err != nil {
			return nil, nil, fmt.Errorf("zone %q: %w", z.Handle, err)
		}
		if firstBackend == nil {
			firstBackend = b
		}
		eng, err := retrieval.New(retrieval.Options{
			Backend: b,
			NBits:   cfg.NBits,
			Codecs:  codecs,
			Cache:   cache,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("zone %q: %w", z.Handle, err)
		}
		ranges = append(ranges, zone.Range{Start: z.Start, End: z.End, Handle: z.Handle, Engine: eng})
		logger.Info("zone configured", "handle", z.Handle, "start", z.Start, "end", z.End, "backend_type", z.Backend.Type)
	}

	zoneMap, err := zone.New(cfg.NBits, ranges)
	if err != nil {
		return nil, nil, err
	}
	return zone.NewDispatcher(zoneMap), firstBackend, nil
}

func buildZoneBackend(ctx context.Context, z zoneconfig.ZoneConfig) (backend.Backend, error) {
	switch z.Backend.Type {
	case "s3":
		return s3backend.New(ctx, z.Handle, s3backend.Config{
			Bucket:    z.Backend.Bucket,
			Region:    z.Backend.Region,
			Endpoint:  z.Backend.Endpoint,
			PathStyle: z.Backend.Endpoint != "",
		})
	case "local", "localfs":
		return localfs.New(z.Handle, z.Backend.Bucket)
	default:
		return nil, fmt.Errorf("unknown backend type %q", z.Backend.Type)
	}
}
