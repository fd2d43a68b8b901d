package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/config"
)

// MinioArchiver keeps a copy of every generated image in object storage.
// IPFS remains the source of truth for the tokenURI; the archive exists so
// operators can inspect or re-pin images without walking the IPFS node.
type MinioArchiver struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinioArchiver creates the archiver and ensures the target bucket
// exists.
func NewMinioArchiver(cfg config.ArchiveConfig, logger *zap.Logger) (*MinioArchiver, error) {
	logger.Info("Initializing image archive",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("useSSL", cfg.UseSSL),
		zap.String("bucket", cfg.Bucket),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	a := &MinioArchiver{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.Named("image_archive"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context, region string) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check for bucket %s: %w", a.bucket, err)
	}
	if !exists {
		a.logger.Info("Archive bucket does not exist, creating it", zap.String("bucket", a.bucket))
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// ArchiveImage stores the image bytes under images/<tokenId>.png,
// overwriting any previous copy for the token.
func (a *MinioArchiver) ArchiveImage(ctx context.Context, tokenID uint64, data []byte) error {
	objectKey := fmt.Sprintf("images/%d.png", tokenID)

	_, err := a.client.PutObject(ctx, a.bucket, objectKey,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/png"},
	)
	if err != nil {
		return fmt.Errorf("failed to archive image for token %d: %w", tokenID, err)
	}

	a.logger.Debug("Archived generated image",
		zap.Uint64("token_id", tokenID),
		zap.String("object_key", objectKey),
		zap.Int("bytes", len(data)),
	)
	return nil
}
