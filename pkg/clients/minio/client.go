// Package minio is the object-storage connection layer used to quarantine
// bad input records. It wraps minio-go with OpenTelemetry spans and coded
// errors; tests inject an [ObjectStore] through [NewFromStore].
package minio

import (
	"context"
	"errors"
	"net"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/clients/minio"

// ObjectStore is the subset of *minio.Client used by selfheal.
type ObjectStore interface {
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

var _ ObjectStore = (*minio.Client)(nil)

// Client is a traced object-store client. It is safe for concurrent use.
type Client struct {
	store        ObjectStore
	tracer       trace.Tracer
	healthBucket string
}

// NewClient validates cfg, creates a minio client and probes the endpoint.
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
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "minio: failed to create client")
	}
	if _, err := mc.BucketExists(ctx, cfg.HealthBucket); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: failed to connect to server")
	}
	return &Client{store: mc, tracer: otel.Tracer(tracerName), healthBucket: cfg.HealthBucket}, nil
}

// NewFromStore wraps an existing ObjectStore. cfg may be nil.
func NewFromStore(store ObjectStore, cfg *Config) *Client {
	bucket := DefaultHealthBucket
	if cfg != nil && cfg.HealthBucket != "" {
		bucket = cfg.HealthBucket
	}
	return &Client{store: store, tracer: otel.Tracer(tracerName), healthBucket: bucket}
}

// Copy copies an object server-side, replacing its user metadata with meta.
func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) error {
	ctx, span := c.startSpan(ctx, "CopyObject", dstBucket, "COPY "+srcBucket+"/"+srcKey+" "+dstKey)
	_, err := c.store.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey, UserMetadata: meta, ReplaceMetadata: len(meta) > 0},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: copy object failed")
	}
	return nil
}

// Remove deletes an object. Removing a missing object is not an error.
func (c *Client) Remove(ctx context.Context, bucket, key string) error {
	ctx, span := c.startSpan(ctx, "RemoveObject", bucket, "DELETE "+key)
	err := c.store.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, "minio: remove object failed")
	}
	return nil
}

// Exists reports whether an object is present.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	ctx, span := c.startSpan(ctx, "StatObject", bucket, "HEAD "+key)
	_, err := c.store.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == minio.NoSuchKey {
		finishSpan(span, nil)
		return false, nil
	}
	finishSpan(span, err)
	if err != nil {
		return false, wrapError(err, "minio: stat object failed")
	}
	return true, nil
}

// Health probes the endpoint with BucketExists.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", c.healthBucket, "BucketExists")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	_, err := c.store.BucketExists(ctx, c.healthBucket)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: health check failed")
	}
	return nil
}

func (c *Client) startSpan(ctx context.Context, op, bucket, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "minio."+op, trace.WithSpanKind(trace.SpanKindClient))
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

func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
	}
	switch minio.ToErrorResponse(err).Code {
	case minio.NoSuchKey, "NoSuchBucket":
		return sserr.Wrap(err, sserr.CodeNotFound, message)
	case "SlowDown", "ServiceUnavailable":
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeInternal, message)
}
