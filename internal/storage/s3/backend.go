// Package s3 stores the remote namespace in an S3-compatible bucket. It
// provides an objstore.Store; directory semantics and descriptors come from
// package objstore.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/donkomura/fsspec-chfs/internal/circuit"
	"github.com/donkomura/fsspec-chfs/internal/storage/objstore"
	"github.com/donkomura/fsspec-chfs/pkg/client"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// objectAPI is the subset of *s3.Client the backend uses.
type objectAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// BackendMetrics tracks S3 backend request counters
type BackendMetrics struct {
	Requests         int64
	Errors           int64
	BytesUploaded    int64
	BytesDownloaded  int64
	CargoShipUploads int64
	LastError        string
	LastErrorTime    time.Time
}

// Backend implements objstore.Store against one bucket.
type Backend struct {
	api    objectAPI
	bucket string
	prefix string
	cfg    Config

	// transporter accelerates large uploads; nil when disabled.
	transporter *cargoships3.Transporter
	// breaker is nil when disabled.
	breaker *circuit.Breaker
	logger  *slog.Logger

	mu      sync.Mutex
	metrics BackendMetrics
}

// NewBackend loads AWS configuration, builds the S3 client and verifies the
// bucket is reachable.
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	b := newBackend(s3Client, cfg)

	if cfg.EnableCargoShip {
		b.transporter = cargoships3.NewTransporter(s3Client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.Concurrency,
		})
		b.logger.Info("CargoShip upload acceleration enabled",
			"threshold", utils.FormatBytes(cfg.MultipartThreshold),
			"chunk_size", utils.FormatBytes(cfg.MultipartChunkSize),
			"concurrency", cfg.Concurrency)
	}

	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}
	return b, nil
}

func newBackend(api objectAPI, cfg Config) *Backend {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	b := &Backend{
		api:    api,
		bucket: cfg.Bucket,
		prefix: prefix,
		cfg:    cfg,
		logger: slog.Default().With("component", "s3-backend", "bucket", cfg.Bucket),
	}
	if cfg.BreakerThreshold > 0 {
		b.breaker = circuit.New("s3:"+cfg.Bucket, circuit.Config{
			FailureThreshold: cfg.BreakerThreshold,
			Timeout:          cfg.BreakerTimeout,
			IsFailure:        countsAgainstBreaker,
		})
	}
	return b
}

// countsAgainstBreaker treats answers from a healthy endpoint, such as a
// missing key, as successes.
func countsAgainstBreaker(err error) bool {
	return err != nil && !isNotFound(err) && !errors.Is(err, context.Canceled)
}

func (b *Backend) fullKey(key string) string {
	return b.prefix + key
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, b.cfg.RequestTimeout)
	}
	return ctx, func() {}
}

// HealthCheck verifies the bucket exists and is accessible.
func (b *Backend) HealthCheck(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
		return err
	})
	b.record(err, 0, 0)
	if err != nil {
		return b.translateError(err, "HeadBucket", b.bucket)
	}
	return nil
}

// Head implements objstore.Store.
func (b *Backend) Head(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var result *s3.HeadObjectOutput
	err := b.breaker.Execute(ctx, func(ctx context.Context) (err error) {
		result, err = b.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.fullKey(key)),
		})
		return err
	})
	b.record(err, 0, 0)
	if err != nil {
		return objstore.ObjectInfo{}, b.translateError(err, "HeadObject", key)
	}
	return objstore.ObjectInfo{
		Key:   key,
		Size:  aws.ToInt64(result.ContentLength),
		Mtime: aws.ToTime(result.LastModified),
	}, nil
}

// Get implements objstore.Store.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var result *s3.GetObjectOutput
	err := b.breaker.Execute(ctx, func(ctx context.Context) (err error) {
		result, err = b.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.fullKey(key)),
		})
		return err
	})
	if err != nil {
		b.record(err, 0, 0)
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	b.record(err, 0, int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Put implements objstore.Store. Large objects use the CargoShip transporter
// when configured and fall back to a plain PutObject on failure.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	full := b.fullKey(key)

	if b.transporter != nil && int64(len(data)) >= b.cfg.MultipartThreshold {
		result, err := b.transporter.Upload(ctx, cargoships3.Archive{
			Key:          full,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata:     map[string]string{"chfs-upload": "true"},
		})
		if err == nil {
			b.logger.Debug("CargoShip upload completed",
				"key", key,
				"size", utils.FormatBytes(int64(len(data))),
				"throughput", result.Throughput,
				"duration", result.Duration)
			b.mu.Lock()
			b.metrics.CargoShipUploads++
			b.mu.Unlock()
			b.record(nil, int64(len(data)), 0)
			return nil
		}
		b.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", key, "error", err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(full),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	b.record(err, int64(len(data)), 0)
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}
	return nil
}

// Delete implements objstore.Store.
func (b *Backend) Delete(ctx context.Context, key string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.fullKey(key)),
		})
		return err
	})
	b.record(err, 0, 0)
	if err != nil {
		return b.translateError(err, "DeleteObject", key)
	}
	return nil
}

// List implements objstore.Store using a "/" delimiter, following
// continuation tokens until the listing is complete.
func (b *Backend) List(ctx context.Context, prefix string) ([]objstore.ObjectInfo, []string, error) {
	full := b.fullKey(prefix)
	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(full),
		Delimiter: aws.String("/"),
	})

	var objects []objstore.ObjectInfo
	var prefixes []string
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := b.breaker.Execute(ctx, func(ctx context.Context) (err error) {
			page, err = paginator.NextPage(ctx)
			return err
		})
		b.record(err, 0, 0)
		if err != nil {
			return nil, nil, b.translateError(err, "ListObjectsV2", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, objstore.ObjectInfo{
				Key:   strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
				Size:  aws.ToInt64(obj.Size),
				Mtime: aws.ToTime(obj.LastModified),
			})
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), full), "/")
			if name != "" {
				prefixes = append(prefixes, name)
			}
		}
	}
	return objects, prefixes, nil
}

// GetMetrics returns a snapshot of the request counters.
func (b *Backend) GetMetrics() BackendMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

func (b *Backend) record(err error, uploaded, downloaded int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Requests++
	b.metrics.BytesUploaded += uploaded
	b.metrics.BytesDownloaded += downloaded
	if err != nil && !isNotFound(err) {
		b.metrics.Errors++
		b.metrics.LastError = err.Error()
		b.metrics.LastErrorTime = time.Now()
	}
}

func isNotFound(err error) bool {
	return isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err)
}

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isNotFound(err):
		return fmt.Errorf("%s %s: %w", operation, key, fs.ErrNotExist)
	case isErrorType[*s3types.NoSuchBucket](err):
		return fmt.Errorf("bucket not found: %s: %w", b.bucket, err)
	default:
		return fmt.Errorf("%s failed for %s: %w", operation, key, err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Connector establishes S3-backed sessions.
type Connector struct {
	cfg  Config
	caps client.Capabilities

	// newAPI overrides client construction in tests.
	newAPI func(ctx context.Context, cfg Config) (objectAPI, error)
}

// NewConnector returns a connector for cfg.
func NewConnector(cfg Config, caps client.Capabilities) *Connector {
	return &Connector{cfg: cfg, caps: caps}
}

// Connect implements client.Connector.
func (c *Connector) Connect(ctx context.Context) (client.Conn, error) {
	var b *Backend
	if c.newAPI != nil {
		api, err := c.newAPI(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		b = newBackend(api, c.cfg)
		if err := b.HealthCheck(ctx); err != nil {
			return nil, err
		}
	} else {
		var err error
		if b, err = NewBackend(ctx, c.cfg); err != nil {
			return nil, err
		}
	}
	return objstore.NewConn(b, c.caps, b.logger), nil
}

var _ objstore.Store = (*Backend)(nil)
