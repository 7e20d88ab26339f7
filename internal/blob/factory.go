package blob

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config selects and configures a blob driver from the environment.
type Config struct {
	Driver string `env:"STAGECORE_BLOB_DRIVER" envDefault:"fs"`
	FSRoot string `env:"STAGECORE_BLOB_FS_ROOT" envDefault:"blobdata"`

	S3Bucket          string `env:"STAGECORE_BLOB_S3_BUCKET"`
	S3Region          string `env:"STAGECORE_BLOB_S3_REGION"`
	S3Endpoint        string `env:"STAGECORE_BLOB_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"STAGECORE_BLOB_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"STAGECORE_BLOB_S3_SECRET_ACCESS_KEY"`
	S3SessionToken    string `env:"STAGECORE_BLOB_S3_SESSION_TOKEN"`
	S3PathStyle       bool   `env:"STAGECORE_BLOB_S3_PATH_STYLE"`
}

// Open selects a Store implementation from environment variables.
func Open(ctx context.Context) (Store, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse blob config: %w", err)
	}
	return OpenWith(ctx, cfg)
}

// OpenWith selects a Store implementation from an explicit config.
func OpenWith(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("STAGECORE_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3(ctx, S3Config{
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			SessionToken:    cfg.S3SessionToken,
			PathStyle:       cfg.S3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
