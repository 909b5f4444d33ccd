package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/forgeml/forge/config"
)

// Client wraps MinIO with the two buckets this system uses: one for dataset
// files, one for trained model artifacts. URIs are s3://bucket/key.
type Client struct {
	client         *minio.Client
	datasetBucket  string
	artifactBucket string
}

// NewClient creates a storage client from configuration.
func NewClient(cfg config.StorageConfig) (*Client, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &Client{
		client:         minioClient,
		datasetBucket:  cfg.DatasetBucket,
		artifactBucket: cfg.ArtifactBucket,
	}, nil
}

// EnsureBucket creates a bucket if it doesn't exist
func (c *Client) EnsureBucket(ctx context.Context, bucketName string) error {
	exists, err := c.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		log.Printf("Creating MinIO bucket: %s", bucketName)
		if err := c.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// StageDatasetUpload writes an uploaded file to a staging key. Nothing under
// staging/ is ever referenced by a dataset row, so a failed validation
// leaves no visible state.
func (c *Client) StageDatasetUpload(ctx context.Context, datasetID uint, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	if err := c.EnsureBucket(ctx, c.datasetBucket); err != nil {
		return "", err
	}

	key := fmt.Sprintf("staging/%s/%d/%s", uuid.New().String(), datasetID, filename)
	_, err := c.client.PutObject(ctx, c.datasetBucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to stage dataset upload: %w", err)
	}
	return key, nil
}

// ReadStaged opens a staged dataset object for validation.
func (c *Client) ReadStaged(ctx context.Context, stagingKey string) (io.ReadCloser, error) {
	object, err := c.client.GetObject(ctx, c.datasetBucket, stagingKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read staged object: %w", err)
	}
	return object, nil
}

// PromoteDataset moves a validated staged object to its final key and
// returns the committed URI. Copy then delete; the final key only ever
// holds validated content.
func (c *Client) PromoteDataset(ctx context.Context, stagingKey string, datasetID uint, filename string) (string, error) {
	finalKey := fmt.Sprintf("%d/%s", datasetID, filename)

	src := minio.CopySrcOptions{Bucket: c.datasetBucket, Object: stagingKey}
	dst := minio.CopyDestOptions{Bucket: c.datasetBucket, Object: finalKey}
	if _, err := c.client.CopyObject(ctx, dst, src); err != nil {
		return "", fmt.Errorf("failed to promote dataset file: %w", err)
	}
	if err := c.client.RemoveObject(ctx, c.datasetBucket, stagingKey, minio.RemoveObjectOptions{}); err != nil {
		log.Printf("Failed to remove staged object %s: %v", stagingKey, err)
	}

	return fmt.Sprintf("s3://%s/%s", c.datasetBucket, finalKey), nil
}

// DiscardStaged removes a staged object after failed validation.
func (c *Client) DiscardStaged(ctx context.Context, stagingKey string) {
	if err := c.client.RemoveObject(ctx, c.datasetBucket, stagingKey, minio.RemoveObjectOptions{}); err != nil {
		log.Printf("Failed to discard staged object %s: %v", stagingKey, err)
	}
}

// Open opens the object behind an s3:// URI for reading.
func (c *Client) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	object, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	return object, nil
}

// Artifacts returns an artifact sink writing into the artifact bucket.
func (c *Client) Artifacts() *ArtifactStore {
	return &ArtifactStore{client: c}
}

// ArtifactStore stores training artifacts and reports.
type ArtifactStore struct {
	client *Client
}

// Put writes a named artifact and returns its URI.
func (a *ArtifactStore) Put(ctx context.Context, name string, content []byte, contentType string) (string, error) {
	c := a.client
	if err := c.EnsureBucket(ctx, c.artifactBucket); err != nil {
		return "", err
	}
	_, err := c.client.PutObject(ctx, c.artifactBucket, name, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store artifact %s: %w", name, err)
	}
	return fmt.Sprintf("s3://%s/%s", c.artifactBucket, name), nil
}

func parseURI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported storage URI %q", uri)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed storage URI %q", uri)
	}
	return bucket, key, nil
}
