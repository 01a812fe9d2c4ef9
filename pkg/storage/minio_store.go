package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"librarycatalog/pkg/domain"
)

// MinioConfig holds connection settings for MinIO or any S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioStore builds the client. It does not touch the network; call
// EnsureBucket once at startup.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w: %w", domain.ErrStorage, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket: %w: %w", domain.ErrStorage, err)
	}
	return nil
}

// Put uploads the payload under a new key.
func (m *MinioStore) Put(ctx context.Context, prefix string, p domain.Payload) (string, error) {
	key := NewKey(prefix, p)
	_, err := m.client.PutObject(ctx, m.bucket, key, p.Body, p.Size, minio.PutObjectOptions{ContentType: p.MediaType()})
	if err != nil {
		return "", fmt.Errorf("put object: %w: %w", domain.ErrStorage, err)
	}
	return key, nil
}

// Get opens the object. GetObject is lazy, so Stat is used to surface a missing key up front.
func (m *MinioStore) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinio("get object", err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, classifyMinio("stat object", err)
	}
	return &Object{Key: key, Body: obj, Size: info.Size, ContentType: info.ContentType}, nil
}

// Delete removes an object. Missing keys are not an error.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(classifyMinio("", err), domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete object: %w: %w", domain.ErrStorage, err)
	}
	return nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w: %w", domain.ErrStorage, err)
	}
	return url.String(), nil
}

func classifyMinio(op string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
}
