// Package minio is the traced object-store client that serves policy
// bundles. Bundles are small JSON documents, so the client reads whole
// objects into memory and maps a missing object to a not-found error.
//
//	cfg := minio.DefaultConfig()
//	cfg.AccessKey = os.Getenv("IAM_MINIO_ACCESS_KEY")
//	cfg.SecretKey = minio.Secret(os.Getenv("IAM_MINIO_SECRET_KEY"))
//	client, err := minio.NewClient(ctx, *cfg)
//
// Tests inject a mock through [NewFromStore].
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

const tracerName = "github.com/StricklySoft/plutus-security/pkg/clients/minio"

// ObjectStore is the subset of *minio.Client used by [Client].
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

// Client wraps an [ObjectStore] with tracing and error classification. It
// holds no connections of its own and is safe for concurrent use.
type Client struct {
	store  ObjectStore
	config *Config
	tracer trace.Tracer
}

// NewClient validates cfg, builds a minio-go client and probes the health
// bucket to confirm the endpoint and credentials.
//
// Error codes returned:
//   - [sserr.CodeValidation]: invalid configuration
//   - [sserr.CodeUnavailableDependency]: the server did not answer
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "minio: invalid configuration")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "minio: failed to create client")
	}
	if _, err := mc.BucketExists(ctx, cfg.HealthBucket); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: failed to connect to server")
	}

	return &Client{store: mc, config: &cfg, tracer: otel.Tracer(tracerName)}, nil
}

// NewFromStore wraps an existing [ObjectStore]. cfg may be nil.
func NewFromStore(store ObjectStore, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.HealthBucket == "" {
		cfg.HealthBucket = DefaultBucket
	}
	return &Client{store: store, config: cfg, tracer: otel.Tracer(tracerName)}
}

// ReadObject returns the full contents of bucket/name. Objects larger than
// [MaxObjectBytes] are rejected. A missing object yields
// [sserr.CodeNotFound].
func (c *Client) ReadObject(ctx context.Context, bucket, name string) (data []byte, err error) {
	ctx, span := c.startSpan(ctx, "ReadObject", bucket, fmt.Sprintf("GET %s/%s", bucket, name))
	defer func() { finishSpan(span, err) }()

	obj, err := c.store.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapError(err, "minio: get object failed")
	}
	defer obj.Close()

	// GetObject is lazy; the first read surfaces NoSuchKey.
	data, err = io.ReadAll(io.LimitReader(obj, MaxObjectBytes+1))
	if err != nil {
		return nil, wrapError(err, "minio: read object failed")
	}
	if len(data) > MaxObjectBytes {
		return nil, sserr.Newf(sserr.CodeValidation, "minio: object %s/%s exceeds %d bytes", bucket, name, MaxObjectBytes)
	}
	span.SetAttributes(attribute.Int("minio.object.size", len(data)))
	return data, nil
}

// StatObject returns object metadata. A missing object yields
// [sserr.CodeNotFound].
func (c *Client) StatObject(ctx context.Context, bucket, name string) (minio.ObjectInfo, error) {
	ctx, span := c.startSpan(ctx, "StatObject", bucket, fmt.Sprintf("HEAD %s/%s", bucket, name))
	info, err := c.store.StatObject(ctx, bucket, name, minio.StatObjectOptions{})
	finishSpan(span, err)
	if err != nil {
		return info, wrapError(err, "minio: stat object failed")
	}
	return info, nil
}

// WriteObject stores data at bucket/name with the given content type.
func (c *Client) WriteObject(ctx context.Context, bucket, name string, data []byte, contentType string) error {
	ctx, span := c.startSpan(ctx, "WriteObject", bucket, fmt.Sprintf("PUT %s/%s", bucket, name))
	_, err := c.store.PutObject(ctx, bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: put object failed")
	}
	return nil
}

// EnsureBucket creates bucket when it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, span := c.startSpan(ctx, "EnsureBucket", bucket, "MAKEBUCKET "+bucket)
	exists, err := c.store.BucketExists(ctx, bucket)
	if err == nil && !exists {
		err = c.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region})
	}
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: ensure bucket failed")
	}
	return nil
}

// Health probes the health bucket, bounded by [DefaultHealthTimeout] when
// ctx has no deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", c.config.HealthBucket, "BucketExists "+c.config.HealthBucket)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	_, err := c.store.BucketExists(ctx, c.config.HealthBucket)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: health check failed")
	}
	return nil
}

func (c *Client) startSpan(ctx context.Context, operation, bucket, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "minio."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "minio"),
		attribute.String("db.name", bucket),
		attribute.String("db.statement", truncateStatement(statement)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError maps S3 not-found responses to [sserr.CodeNotFound], deadlines
// to [sserr.CodeTimeoutDatabase] and everything else to
// [sserr.CodeInternalDatabase].
func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return sserr.Wrap(err, sserr.CodeNotFound, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
