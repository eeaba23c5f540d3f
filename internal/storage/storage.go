// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage uploads protected and verification-audit artifacts to
// an S3-compatible object store (Cloudflare R2 in production), selecting
// between a production and a preview bucket per request (spec.md §4.6).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drimit/shield/internal/config"
	"github.com/drimit/shield/internal/metrics"
)

// Client puts protection artifacts into one of two buckets depending on
// whether a job is a preview.
type Client struct {
	s3            *s3.Client
	prodBucket    string
	devBucket     string
	publicURLBase string
	metrics       *metrics.Metrics
}

// New builds a Client from cfg. cfg.Endpoint, when set, overrides the S3
// endpoint (e.g. an R2 account endpoint), and cfg.UsePathStyle selects
// path-style addressing.
func New(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		s3:            client,
		prodBucket:    cfg.Bucket,
		devBucket:     cfg.Bucket + "-dev",
		publicURLBase: cfg.PublicURLBase,
		metrics:       m,
	}, nil
}

// bucketFor selects the preview or production bucket (spec.md §4.6:
// R2_BUCKET_DEV vs R2_BUCKET_PROD).
func (c *Client) bucketFor(isPreview bool) string {
	if isPreview {
		return c.devBucket
	}
	return c.prodBucket
}

// ProtectedImageKey lays out an artwork's protected output under its
// owner and content hash, matching spec.md §4.6's key scheme.
func ProtectedImageKey(owner, hash string) string {
	return fmt.Sprintf("%s/%s/protected.png", owner, hash)
}

// VerificationArtifactKey lays out one of the verification harness's
// saved attack images.
func VerificationArtifactKey(owner, hash, stage string) string {
	return fmt.Sprintf("%s/%s/verified/%s.png", owner, hash, stage)
}

// Put uploads data to key in the bucket selected by isPreview, returning
// the public URL the caller can hand back to the owner.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string, isPreview bool) (string, error) {
	start := time.Now()
	bucket := c.bucketFor(isPreview)

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})

	if c.metrics != nil {
		c.metrics.StorageUploadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.StorageUploadFailuresTotal.Inc()
		}
	}
	if err != nil {
		return "", fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}

	return fmt.Sprintf("%s/%s", c.publicURLBase, key), nil
}
