package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config
// file. Environment variables (FIELDLENS_ prefix) take precedence over
// values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("FIELDLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults carry.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.url", "postgres://localhost:5432/fieldlens?sslmode=disable")
	v.SetDefault("tasks.worker_count", 2)
	v.SetDefault("tasks.queue_size", 256)
	v.SetDefault("tasks.retention", time.Hour)
	v.SetDefault("tasks.sweep_interval", 5*time.Minute)
	v.SetDefault("ml.command", "ftw")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.root_dir", "data/storage")
	v.SetDefault("storage.s3.presign_expiry", time.Hour)
	v.SetDefault("storage.cross_account.presign_expiry", time.Hour)
	v.SetDefault("storage.cross_account.credential_mode", "static")
	v.SetDefault("storage.cross_account.secrets_region", "us-west-2")

	// Viper only unmarshals keys it knows about; register the rest with
	// empty defaults so environment overrides are picked up for them too.
	for _, key := range []string{
		"storage.s3.bucket",
		"storage.s3.region",
		"storage.cross_account.bucket",
		"storage.cross_account.region",
		"storage.cross_account.endpoint_url",
		"storage.cross_account.repository_path",
		"storage.cross_account.access_key_id",
		"storage.cross_account.secret_access_key",
		"storage.cross_account.secret_name",
		"storage.cross_account.role_arn",
		"storage.cross_account.external_id",
		"storage.cross_account.sts_bucket",
		"storage.cross_account.sts_bucket_prefix",
	} {
		v.SetDefault(key, "")
	}
}

func validate(cfg *Config) error {
	vd := validator.New()
	if err := vd.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Cross-field checks the tag language does not express cleanly.
	switch cfg.Storage.Backend {
	case StorageBackendLocal:
		if cfg.Storage.Local.RootDir == "" {
			return errors.New("invalid configuration: storage.local.root_dir is required for the local backend")
		}
	case StorageBackendS3:
		if cfg.Storage.S3.Bucket == "" {
			return errors.New("invalid configuration: storage.s3.bucket is required for the s3 backend")
		}
	case StorageBackendCrossAccount:
		ca := cfg.Storage.CrossAccount
		if ca.CredentialMode == CredentialModeSTS {
			if ca.RoleARN == "" || ca.ExternalID == "" || ca.STSBucket == "" {
				return errors.New(
					"invalid configuration: sts-workaround mode requires storage.cross_account.role_arn, external_id and sts_bucket",
				)
			}
		} else if ca.Bucket == "" {
			return errors.New("invalid configuration: storage.cross_account.bucket is required")
		}
	}

	return nil
}
