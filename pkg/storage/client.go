// Package storage fetches request documents from S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fly-io/diskprov/pkg/errors"
)

// MaxDocumentSize caps the size of a fetched request document.
const MaxDocumentSize = 1 << 20

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client objectGetter
	bucket   string
}

// Options configures NewClient.
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	Anonymous bool
}

// NewClient creates a new S3 client. Anonymous clients skip credential lookup.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "anonymous", opts.Anonymous)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Debug("s3_client_created", "bucket", opts.Bucket, "endpoint", opts.Endpoint)
	return &Client{s3Client: s3Client, bucket: opts.Bucket}, nil
}

// Fetch downloads a request document. An empty bucket means the default bucket.
func (c *Client) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	if bucket == "" {
		return nil, fmt.Errorf("no bucket given for %s and no default configured", key)
	}
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	// Read one byte past the limit to detect oversized documents.
	data, err := io.ReadAll(io.LimitReader(result.Body, MaxDocumentSize+1))
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}
	if len(data) > MaxDocumentSize {
		slog.Error("s3_document_too_large", "s3_key", key, "limit", MaxDocumentSize)
		return nil, fmt.Errorf("request document %s exceeds %d bytes", key, MaxDocumentSize)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	slog.Info("s3_download_complete",
		"s3_key", key,
		"size", len(data),
		"sha256", checksum[:16]+"...",
	)
	return data, nil
}
