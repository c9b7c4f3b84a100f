package adapters

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

// MinIOBlobStore is the S3-compatible BlobStore implementation (spec §6
// "Storage — type: s3"), backed by minio-go so the same client code
// targets MinIO, Garage, or AWS S3 interchangeably.
type MinIOBlobStore struct {
	client *minio.Client
	bucket string
}

// MinIOConfig mirrors config.StorageConfig's s3 fields.
type MinIOConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewMinIOBlobStore connects to an S3-compatible endpoint and ensures
// the configured bucket exists.
func NewMinIOBlobStore(ctx context.Context, cfg MinIOConfig) (*MinIOBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "connecting to object storage", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "checking bucket existence", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "creating bucket", err)
		}
	}
	return &MinIOBlobStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOBlobStore) key(fileID string) string { return fileID }

func (s *MinIOBlobStore) variantKey(fileID string, class VariantClass) string {
	return fmt.Sprintf("%s.%s", fileID, class)
}

func (s *MinIOBlobStore) Put(ctx context.Context, fileID string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(fileID), r, -1, minio.PutObjectOptions{})
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "uploading blob", err)
	}
	return nil
}

func (s *MinIOBlobStore) Get(ctx context.Context, fileID string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(fileID), minio.GetObjectOptions{})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "opening blob", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, coreerr.New(coreerr.NotFound, "blob not found: "+fileID)
		}
		return nil, coreerr.Wrap(coreerr.Internal, "stat blob", err)
	}
	return obj, nil
}

func (s *MinIOBlobStore) Delete(ctx context.Context, fileID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(fileID), minio.RemoveObjectOptions{}); err != nil {
		return coreerr.Wrap(coreerr.Internal, "deleting blob", err)
	}
	return nil
}

func (s *MinIOBlobStore) PutVariant(ctx context.Context, fileID string, class VariantClass, r io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.variantKey(fileID, class), r, -1, minio.PutObjectOptions{})
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "uploading blob variant", err)
	}
	return nil
}

func (s *MinIOBlobStore) GetVariant(ctx context.Context, fileID string, class VariantClass) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.variantKey(fileID, class), minio.GetObjectOptions{})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "opening blob variant", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, coreerr.New(coreerr.NotFound, fmt.Sprintf("variant %s of %s not found", class, fileID))
		}
		return nil, coreerr.Wrap(coreerr.Internal, "stat blob variant", err)
	}
	return obj, nil
}
