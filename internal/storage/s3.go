package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fieldlens/inference-api/internal/config"
)

// s3ops implements the raw object operations shared by both S3-compatible
// backends. It works on physical (bucket, key) addresses; any logical key
// rewriting happens in the backend that owns it.
type s3ops struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	defaultExpiry time.Duration
	logger        *slog.Logger
}

func newS3Ops(client *s3.Client, defaultExpiry time.Duration, logger *slog.Logger) *s3ops {
	if defaultExpiry <= 0 {
		defaultExpiry = DefaultURLExpiry
	}
	return &s3ops{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		defaultExpiry: defaultExpiry,
		logger:        logger,
	}
}

func (o *s3ops) upload(ctx context.Context, localPath, bucket, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		o.logger.Error("failed to upload object", "bucket", bucket, "key", key, "error", err)
		return err
	}
	o.logger.Info("uploaded object", "source", localPath, "bucket", bucket, "key", key)
	return nil
}

func (o *s3ops) download(ctx context.Context, bucket, key, localPath string) error {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		o.logger.Error("failed to download object", "bucket", bucket, "key", key, "error", err)
		return err
	}
	defer func() { _ = out.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	o.logger.Info("downloaded object", "bucket", bucket, "key", key, "target", localPath)
	return nil
}

func (o *s3ops) presignURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = o.defaultExpiry
	}
	req, err := o.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		o.logger.Error("failed to presign URL", "bucket", bucket, "key", key, "error", err)
		return "", err
	}
	return req.URL, nil
}

func (o *s3ops) delete(ctx context.Context, bucket, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		o.logger.Error("failed to delete object", "bucket", bucket, "key", key, "error", err)
		return err
	}
	o.logger.Info("deleted object", "bucket", bucket, "key", key)
	return nil
}

func (o *s3ops) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	keys := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			o.logger.Error("failed to list objects", "bucket", bucket, "prefix", prefix, "error", err)
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (o *s3ops) exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		o.logger.Error("failed to head object", "bucket", bucket, "key", key, "error", err)
		return false, err
	}
	return true, nil
}

// isS3NotFound reports whether err denotes a missing object or bucket key.
func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// S3Backend is the direct object-storage variant: pass-through addressing
// with persistent ambient credentials.
type S3Backend struct {
	ops    *s3ops
	bucket string
}

// NewS3Backend builds a backend against the configured bucket using the
// default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg config.S3StorageConfig, logger *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket name is required but not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Backend{
		ops:    newS3Ops(client, cfg.PresignExpiry, logger),
		bucket: cfg.Bucket,
	}, nil
}

// Upload stores the file under key and returns the key.
func (b *S3Backend) Upload(ctx context.Context, localPath string, key string) (string, error) {
	if err := b.ops.upload(ctx, localPath, b.bucket, key); err != nil {
		return "", newBackendError("upload", key, err)
	}
	return key, nil
}

// Download copies the object at key to localPath.
func (b *S3Backend) Download(ctx context.Context, key string, localPath string) error {
	err := b.ops.download(ctx, b.bucket, key, localPath)
	if err != nil && !IsNotFound(err) {
		return newBackendError("download", key, err)
	}
	return err
}

// GetURL issues a presigned GET URL; expiry <= 0 selects the configured
// default.
func (b *S3Backend) GetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := b.ops.presignURL(ctx, b.bucket, key, expiry)
	if err != nil {
		return "", newBackendError("get_url", key, err)
	}
	return url, nil
}

// Delete removes the object at key.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if err := b.ops.delete(ctx, b.bucket, key); err != nil {
		return newBackendError("delete", key, err)
	}
	return nil
}

// List returns the keys under prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.ops.list(ctx, b.bucket, prefix)
	if err != nil {
		return nil, newBackendError("list", prefix, err)
	}
	return keys, nil
}

// Exists reports whether an object is stored under key.
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := b.ops.exists(ctx, b.bucket, key)
	if err != nil {
		return false, newBackendError("exists", key, err)
	}
	return ok, nil
}
