package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/fieldlens/inference-api/internal/config"
)

// CrossAccountBackend serves an S3-compatible repository that lives in
// another account. Callers address objects by clean logical keys; the
// backend prepends the configured repository path on every write and strips
// it again on read and list.
//
// Credentials are resolved lazily, at most once per instance, on first use.
// Three mutually exclusive modes exist: static configured keys, a
// secrets-store lookup, or the temporary STS workaround. In the STS mode the
// backend assumes a fixed cross-account role (role ARN + external id) for
// short-lived session credentials, and every key gets a second prefix
// rewrite targeting a different physical bucket, because the assumed role
// only has access there.
//
// All key rewriting goes through physicalAddress/logicalKey so the STS
// double mapping stays one seam to delete once the workaround is retired.
type CrossAccountBackend struct {
	cfg    config.CrossAccountStorageConfig
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
	ops   *s3ops
}

// NewCrossAccountBackend validates the configuration surface but performs no
// credential resolution; that happens on the first operation.
func NewCrossAccountBackend(cfg config.CrossAccountStorageConfig, logger *slog.Logger) (*CrossAccountBackend, error) {
	switch cfg.CredentialMode {
	case config.CredentialModeStatic, config.CredentialModeSecretsStore:
		if cfg.Bucket == "" {
			return nil, errors.New("cross-account bucket name is required but not configured")
		}
	case config.CredentialModeSTS:
		if cfg.RoleARN == "" || cfg.ExternalID == "" {
			return nil, errors.New("sts-workaround mode requires role_arn and external_id")
		}
		if cfg.STSBucket == "" {
			return nil, errors.New("sts-workaround mode requires a target bucket")
		}
	default:
		return nil, fmt.Errorf("unknown credential mode %q", cfg.CredentialMode)
	}

	return &CrossAccountBackend{cfg: cfg, logger: logger}, nil
}

// physicalAddress maps a logical key to the bucket and object key actually
// used on the wire. The repository path applies in every mode; the STS mode
// adds the bucket prefix and swaps the bucket.
func (b *CrossAccountBackend) physicalAddress(key string) (bucket, objectKey string) {
	objectKey = key
	if b.cfg.RepositoryPath != "" {
		objectKey = b.cfg.RepositoryPath + "/" + objectKey
	}
	if b.cfg.CredentialMode == config.CredentialModeSTS {
		if b.cfg.STSBucketPrefix != "" {
			objectKey = b.cfg.STSBucketPrefix + "/" + objectKey
		}
		return b.cfg.STSBucket, objectKey
	}
	return b.cfg.Bucket, objectKey
}

// logicalKey reverses physicalAddress for keys coming back from list calls.
func (b *CrossAccountBackend) logicalKey(objectKey string) string {
	if b.cfg.CredentialMode == config.CredentialModeSTS && b.cfg.STSBucketPrefix != "" {
		objectKey = strings.TrimPrefix(objectKey, b.cfg.STSBucketPrefix+"/")
	}
	if b.cfg.RepositoryPath != "" {
		objectKey = strings.TrimPrefix(objectKey, b.cfg.RepositoryPath+"/")
	}
	return objectKey
}

// ensureReady resolves credentials and builds the S3 client on first use.
// A failed resolution is reported to the caller and retried by the next
// operation; a successful one is cached for the backend's lifetime.
func (b *CrossAccountBackend) ensureReady(ctx context.Context) (*s3ops, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return b.ops, nil
	}

	client, err := b.buildClient(ctx)
	if err != nil {
		return nil, err
	}

	b.ops = newS3Ops(client, b.cfg.PresignExpiry, b.logger)
	b.ready = true
	b.logger.Debug("cross-account storage initialized",
		"credential_mode", b.cfg.CredentialMode)
	return b.ops, nil
}

func (b *CrossAccountBackend) buildClient(ctx context.Context) (*s3.Client, error) {
	switch b.cfg.CredentialMode {
	case config.CredentialModeStatic:
		if b.cfg.AccessKeyID == "" || b.cfg.SecretAccessKey == "" {
			return nil, errors.New("cross-account credentials not configured")
		}
		return b.staticClient(ctx, b.cfg.AccessKeyID, b.cfg.SecretAccessKey)

	case config.CredentialModeSecretsStore:
		b.logger.Info("loading cross-account credentials from secrets store",
			"secret_name", b.cfg.SecretName)
		creds, err := fetchStoredCredentials(ctx, b.cfg.SecretsRegion, b.cfg.SecretName)
		if err != nil {
			return nil, err
		}
		return b.staticClient(ctx, creds.AccessKeyID, creds.SecretAccessKey)

	case config.CredentialModeSTS:
		return b.assumeRoleClient(ctx)

	default:
		return nil, fmt.Errorf("unknown credential mode %q", b.cfg.CredentialMode)
	}
}

// staticClient builds an S3 client around fixed keys and the configured
// endpoint.
func (b *CrossAccountBackend) staticClient(ctx context.Context, accessKeyID, secretAccessKey string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(b.cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if b.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(b.cfg.EndpointURL)
		}
	}), nil
}

// assumeRoleClient obtains short-lived session credentials for the fixed
// cross-account role and targets the role's bucket directly, bypassing the
// configured endpoint.
func (b *CrossAccountBackend) assumeRoleClient(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	provider := stscreds.NewAssumeRoleProvider(stsClient, b.cfg.RoleARN,
		func(o *stscreds.AssumeRoleOptions) {
			o.ExternalID = aws.String(b.cfg.ExternalID)
			o.RoleSessionName = "fieldlens-storage"
		})
	awsCfg.Credentials = aws.NewCredentialsCache(provider)

	b.logger.Info("assuming cross-account role for storage access",
		"role_arn", b.cfg.RoleARN,
		"target_bucket", b.cfg.STSBucket)
	return s3.NewFromConfig(awsCfg), nil
}

// Upload stores the file under the logical key and returns that key.
func (b *CrossAccountBackend) Upload(ctx context.Context, localPath string, key string) (string, error) {
	ops, err := b.ensureReady(ctx)
	if err != nil {
		return "", newBackendError("upload", key, err)
	}
	bucket, objectKey := b.physicalAddress(key)
	if err := ops.upload(ctx, localPath, bucket, objectKey); err != nil {
		return "", newBackendError("upload", key, err)
	}
	return key, nil
}

// Download copies the object at the logical key to localPath.
func (b *CrossAccountBackend) Download(ctx context.Context, key string, localPath string) error {
	ops, err := b.ensureReady(ctx)
	if err != nil {
		return newBackendError("download", key, err)
	}
	bucket, objectKey := b.physicalAddress(key)
	if err := ops.download(ctx, bucket, objectKey, localPath); err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return newBackendError("download", key, err)
	}
	return nil
}

// GetURL issues a presigned GET URL for the logical key.
func (b *CrossAccountBackend) GetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	ops, err := b.ensureReady(ctx)
	if err != nil {
		return "", newBackendError("get_url", key, err)
	}
	bucket, objectKey := b.physicalAddress(key)
	url, err := ops.presignURL(ctx, bucket, objectKey, expiry)
	if err != nil {
		return "", newBackendError("get_url", key, err)
	}
	return url, nil
}

// Delete removes the object at the logical key.
func (b *CrossAccountBackend) Delete(ctx context.Context, key string) error {
	ops, err := b.ensureReady(ctx)
	if err != nil {
		return newBackendError("delete", key, err)
	}
	bucket, objectKey := b.physicalAddress(key)
	if err := ops.delete(ctx, bucket, objectKey); err != nil {
		return newBackendError("delete", key, err)
	}
	return nil
}

// List returns the logical keys under prefix, with every physical prefix
// stripped.
func (b *CrossAccountBackend) List(ctx context.Context, prefix string) ([]string, error) {
	ops, err := b.ensureReady(ctx)
	if err != nil {
		return nil, newBackendError("list", prefix, err)
	}
	bucket, objectPrefix := b.physicalAddress(prefix)
	objectKeys, err := ops.list(ctx, bucket, objectPrefix)
	if err != nil {
		return nil, newBackendError("list", prefix, err)
	}

	keys := make([]string, 0, len(objectKeys))
	for _, k := range objectKeys {
		keys = append(keys, b.logicalKey(k))
	}
	return keys, nil
}

// Exists reports whether an object is stored under the logical key.
func (b *CrossAccountBackend) Exists(ctx context.Context, key string) (bool, error) {
	ops, err := b.ensureReady(ctx)
	if err != nil {
		return false, newBackendError("exists", key, err)
	}
	bucket, objectKey := b.physicalAddress(key)
	ok, err := ops.exists(ctx, bucket, objectKey)
	if err != nil {
		return false, newBackendError("exists", key, err)
	}
	return ok, nil
}
