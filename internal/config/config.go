package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Tasks    TasksConfig    `mapstructure:"tasks" validate:"required"`
	ML       MLConfig       `mapstructure:"ml" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the project database settings used by the
// project synchronizer.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// TasksConfig contains the worker pool and ledger settings.
type TasksConfig struct {
	WorkerCount   int           `mapstructure:"worker_count" validate:"required,gt=0"`
	QueueSize     int           `mapstructure:"queue_size" validate:"required,gt=0"`
	Retention     time.Duration `mapstructure:"retention" validate:"required"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// MLConfig describes the external inference command. The ML pipeline itself
// is an opaque executable this service shells out to.
type MLConfig struct {
	Command string `mapstructure:"command" validate:"required"`
	GPU     *int   `mapstructure:"gpu"`
}

// StorageBackendKind selects which storage variant the service uses.
type StorageBackendKind string

// Supported storage backends
const (
	StorageBackendLocal        StorageBackendKind = "local"
	StorageBackendS3           StorageBackendKind = "s3"
	StorageBackendCrossAccount StorageBackendKind = "crossaccount"
)

// CredentialMode selects how the cross-account backend obtains credentials.
// The modes are mutually exclusive and fixed at deployment time.
type CredentialMode string

// Supported credential modes
const (
	CredentialModeStatic       CredentialMode = "static"
	CredentialModeSecretsStore CredentialMode = "secrets-store"
	CredentialModeSTS          CredentialMode = "sts-workaround"
)

// StorageConfig contains all storage-related configuration settings.
type StorageConfig struct {
	Backend      StorageBackendKind        `mapstructure:"backend"       validate:"required,oneof=local s3 crossaccount"`
	Local        LocalStorageConfig        `mapstructure:"local"`
	S3           S3StorageConfig           `mapstructure:"s3"`
	CrossAccount CrossAccountStorageConfig `mapstructure:"cross_account"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// S3StorageConfig configures the direct object-storage backend.
type S3StorageConfig struct {
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// CrossAccountStorageConfig configures the cross-account backend. All fields
// are deployment-time configuration, never request parameters.
type CrossAccountStorageConfig struct {
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	EndpointURL    string        `mapstructure:"endpoint_url"`
	RepositoryPath string        `mapstructure:"repository_path"`
	PresignExpiry  time.Duration `mapstructure:"presign_expiry"`

	CredentialMode CredentialMode `mapstructure:"credential_mode" validate:"omitempty,oneof=static secrets-store sts-workaround"`

	// static mode
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// secrets-store mode
	SecretName    string `mapstructure:"secret_name"`
	SecretsRegion string `mapstructure:"secrets_region"`

	// sts-workaround mode: the assumed role only has access to a different
	// physical bucket, under an extra key prefix.
	RoleARN         string `mapstructure:"role_arn"`
	ExternalID      string `mapstructure:"external_id"`
	STSBucket       string `mapstructure:"sts_bucket"`
	STSBucketPrefix string `mapstructure:"sts_bucket_prefix"`
}
