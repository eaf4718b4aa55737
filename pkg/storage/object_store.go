package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 7 * 24 * time.Hour

// MinioArchive implements PhotoArchive for MinIO/S3 compatible storage.
type MinioArchive struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewMinioArchive connects to MinIO and ensures the bucket exists. When
// publicBaseURL is set, archived photos get stable URLs under it (the bucket
// is expected to be served read-only); otherwise presigned GET URLs are used.
func NewMinioArchive(endpoint, accessKey, secretKey, bucket, publicBaseURL string, useSSL bool) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioArchive{client: client, bucket: bucket, publicBaseURL: publicBaseURL}, nil
}

// Archive uploads the photo and returns its reference URL.
func (m *MinioArchive) Archive(ctx context.Context, key string, photo []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(photo), int64(len(photo)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("put photo: %w", err)
	}
	if m.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s", m.publicBaseURL, key), nil
	}
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, presignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign photo: %w", err)
	}
	return url.String(), nil
}

// Delete removes an archived photo whose report rows never landed.
func (m *MinioArchive) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}
