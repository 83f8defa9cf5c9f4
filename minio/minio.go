// Package minio serves change feed chunks from a MinIO or S3 bucket.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"

	"github.com/dapr/kit/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shogotsuneto/go-resumable"
)

var log = logger.NewLogger("resumable.minio")

// Config holds the connection settings for a bucket.
type Config struct {
	// Endpoint is host:port or a URL; an https scheme turns on TLS.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	UseSSL          bool
}

// Container lists and reads objects of one bucket.
type Container struct {
	client *minio.Client
	bucket string
	region string
}

var (
	_ resumable.Lister     = (*Container)(nil)
	_ resumable.BlobReader = (*Container)(nil)
)

// parseEndpoint splits an endpoint into the host minio-go expects and whether TLS is required.
func parseEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// plain host:port
		return endpoint, useSSL, nil
	}
	return u.Host, useSSL || u.Scheme == "https", nil
}

// NewContainer creates a client for config.Bucket. It does not contact the server.
func NewContainer(config Config) (*Container, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if config.AccessKeyID == "" || config.SecretAccessKey == "" {
		return nil, fmt.Errorf("credentials are required")
	}
	host, secure, err := parseEndpoint(config.Endpoint, config.UseSSL)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &Container{client: client, bucket: config.Bucket, region: config.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (c *Container) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return classifyError(c.bucket, err)
	}
	if exists {
		return nil
	}
	log.Infof("Creating bucket %s", c.bucket)
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return classifyError(c.bucket, err)
	}
	return nil
}

// List returns the object keys under prefix in lexicographic order.
func (c *Container) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyError(prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	slices.Sort(keys)
	return keys, nil
}

// ReadFrom streams the object at path starting at offset.
// Reading at exactly the object size yields an empty stream.
func (c *Container) ReadFrom(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	info, err := c.client.StatObject(ctx, c.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return nil, classifyError(path, err)
	}
	if offset < 0 || offset > info.Size {
		return nil, fmt.Errorf("offset %d outside blob %s of size %d", offset, path, info.Size)
	}
	if offset == info.Size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, fmt.Errorf("set range on %s: %w", path, err)
		}
	}
	// pin the version that was stat'ed so a concurrent rewrite cannot shift offsets
	if err := opts.SetMatchETag(info.ETag); err != nil {
		return nil, fmt.Errorf("set etag on %s: %w", path, err)
	}
	obj, err := c.client.GetObject(ctx, c.bucket, path, opts)
	if err != nil {
		return nil, classifyError(path, err)
	}
	return obj, nil
}

// Put writes data as the object at path, replacing any existing object.
func (c *Container) Put(ctx context.Context, path string, data []byte) error {
	_, err := c.client.PutObject(ctx, c.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return classifyError(path, err)
	}
	return nil
}

// classifyError maps missing keys and buckets onto resumable.ErrBlobNotFound.
func classifyError(path string, err error) error {
	if err == nil {
		return nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%s: %w", path, resumable.ErrBlobNotFound)
		}
	}
	return fmt.Errorf("minio %s: %w", path, err)
}
