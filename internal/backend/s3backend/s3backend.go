// Package s3backend implements the Backend contract over an S3-compatible
// object store, wired from the aws-sdk-go-v2 usage pattern found in
// dragonflyoss-nydus/contrib/nydusify (config.LoadDefaultConfig,
// s3.NewFromConfig, manager.Uploader for large objects).
package s3backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/deslabs/des/internal/backend"
)

// Config configures an S3-compatible back-end connection.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // non-empty for S3-compatible providers other than AWS
	AccessKey string
	SecretKey string
	// MultipartThreshold is the object size above which Put uses the
	// multipart uploader instead of a single PutObject call.
	MultipartThreshold int64
	// PathStyle forces path-style addressing, needed by most
	// self-hosted S3-compatible providers.
	PathStyle bool
}

// Backend stores objects in one S3-compatible bucket under an optional
// key prefix.
type Backend struct {
	id                 string
	client             *s3.Client
	uploader           *manager.Uploader
	bucket             string
	prefix             string
	multipartThreshold int64
}

// New builds an S3-compatible backend from cfg.
func New(ctx context.Context, id string, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3backend: bucket required")
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3backend: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = 64 << 20
	}

	return &Backend{
		id:                 id,
		client:             client,
		uploader:           manager.NewUploader(client),
		bucket:             cfg.Bucket,
		prefix:             cfg.Prefix,
		multipartThreshold: threshold,
	}, nil
}

// ID implements backend.Backend.
func (b *Backend) ID() string { return b.id }

func (b *Backend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Put implements backend.Backend. Objects at or above the multipart
// threshold go through the manager.Uploader; the caller (the shard
// writer) is responsible for only calling Put once the full object,
// footer included, is ready to publish (§4.3, §5 "MUST NOT publish
// until the trailer is in place").
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	full := b.fullKey(key)
	if size >= 0 && size < b.multipartThreshold {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(full),
			Body:          r,
			ContentLength: aws.Int64(size),
		})
		return wrapErr(err)
	}
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(full),
		Body:   r,
	})
	return wrapErr(err)
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// GetRange implements backend.Backend with inclusive [start, end] bounds,
// or a suffix range when start is negative, issued as a standard HTTP
// Range header (§4.4). The object's total size is read back from the
// response's Content-Range, saving the HEAD round trip the spec calls
// out as avoidable.
func (b *Backend) GetRange(ctx context.Context, key string, start, end int64) ([]byte, int64, error) {
	var rangeHeader string
	if start < 0 {
		rangeHeader = fmt.Sprintf("bytes=%d", start)
	} else {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", backend.ErrBackend, err)
	}
	totalSize := parseContentRangeTotal(out.ContentRange)
	return data, totalSize, nil
}

// parseContentRangeTotal extracts the total size from a Content-Range
// header of the form "bytes start-end/total".
func parseContentRangeTotal(contentRange *string) int64 {
	if contentRange == nil {
		return 0
	}
	idx := strings.LastIndexByte(*contentRange, '/')
	if idx < 0 || idx+1 >= len(*contentRange) {
		return 0
	}
	total, err := strconv.ParseInt((*contentRange)[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// Head implements backend.Backend.
func (b *Backend) Head(ctx context.Context, key string) (backend.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		return backend.ObjectInfo{}, wrapErr(err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return backend.ObjectInfo{Size: size}, nil
}

// Exists implements backend.Backend.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Head(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	return wrapErr(err)
}

// ObjectLockSet implements backend.Backend using S3 Object Lock
// (GOVERNANCE mode retention) via PutObjectRetention (§4.9).
func (b *Backend) ObjectLockSet(ctx context.Context, key string, retainUntil time.Time) (bool, error) {
	_, err := b.client.PutObjectRetention(ctx, &s3.PutObjectRetentionInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
		Retention: &s3types.ObjectLockRetention{
			Mode:            s3types.ObjectLockRetentionModeGovernance,
			RetainUntilDate: aws.Time(retainUntil),
		},
	})
	if err != nil {
		return false, wrapErr(err)
	}
	return false, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return backend.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", backend.ErrBackend, err)
}
