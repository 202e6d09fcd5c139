// Package blobstore generates read-only, time-limited URLs for fetching
// source archives from S3-compatible object storage. The build worker
// never uploads objects itself; uploading is handled by the API server,
// out of this package's scope.
package blobstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuemby/inkforge/pkg/config"
)

// expirationTime matches the 24h presign window used by the original
// source-archive access path.
const expirationTime = 24 * time.Hour

// Client presigns GET requests for source archives, keyed by the
// hex-encoded Blake2b-256 hash of their contents.
type Client struct {
	presign *s3.PresignClient
	bucket  string
}

// New builds a Client from the storage section of cfg.
func New(ctx context.Context, cfg config.Storage) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = true
	})

	return &Client{presign: s3.NewPresignClient(client), bucket: cfg.SourceBucket}, nil
}

// SourceArchiveURL returns a pre-signed GET URL for the source archive
// identified by hash, valid for 24 hours.
func (c *Client) SourceArchiveURL(ctx context.Context, hash []byte) (string, error) {
	key := hex.EncodeToString(hash)

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expirationTime))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}

	return req.URL, nil
}
