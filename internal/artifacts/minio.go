// Package artifacts mirrors sampled frame images to an S3-compatible bucket.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// URLExpiry is how long presigned frame URLs stay valid.
const URLExpiry = 24 * time.Hour

type Storage struct {
	client *miniogo.Client
	bucket string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ObjectKey is the bucket key of a frame file written for a run.
func ObjectKey(runID, framePath string) string {
	return path.Join(runID, filepath.Base(framePath))
}

// UploadFrames copies each frame file into the bucket and returns a
// presigned GET URL per input path, in the same order.
func (s *Storage) UploadFrames(ctx context.Context, runID string, framePaths []string) ([]string, error) {
	urls := make([]string, 0, len(framePaths))
	for _, p := range framePaths {
		key := ObjectKey(runID, p)
		if _, err := s.client.FPutObject(ctx, s.bucket, key, p, miniogo.PutObjectOptions{
			ContentType: "image/jpeg",
		}); err != nil {
			return nil, fmt.Errorf("upload frame %s: %w", key, err)
		}

		u, err := s.client.PresignedGetObject(ctx, s.bucket, key, URLExpiry, nil)
		if err != nil {
			return nil, fmt.Errorf("presign frame %s: %w", key, err)
		}
		urls = append(urls, u.String())
	}
	return urls, nil
}
