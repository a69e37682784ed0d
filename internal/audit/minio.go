package audit

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig contains configuration for the MinIO client.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	BasePath  string
}

// minioStorage wraps a MinIO client bound to a single bucket.
type minioStorage struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// newMinioStorage creates a MinIO client and ensures the bucket exists.
func newMinioStorage(cfg MinioConfig) (*minioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ms := &minioStorage{
		client:   client,
		bucket:   cfg.Bucket,
		basePath: cfg.BasePath,
	}

	return ms, ms.ensureBucketExists(context.Background())
}

func (ms *minioStorage) ensureBucketExists(ctx context.Context) error {
	exists, err := ms.client.BucketExists(ctx, ms.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket %s exists: %w", ms.bucket, err)
	}

	if !exists {
		if err := ms.client.MakeBucket(ctx, ms.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", ms.bucket, err)
		}
	}

	return nil
}

// upload writes an object into the bucket under the configured base path.
func (ms *minioStorage) upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (minio.UploadInfo, error) {
	objectName = strings.TrimPrefix(objectName, "/")
	if ms.basePath != "" {
		objectName = path.Join(ms.basePath, objectName)
	}

	info, err := ms.client.PutObject(ctx, ms.bucket, objectName, reader, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to upload object %s: %w", objectName, err)
	}

	return info, nil
}
