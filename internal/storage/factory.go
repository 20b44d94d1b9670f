package storage

import (
	"context"
	"fmt"

	"renderhub/internal/adapters/storage/gdrive"
	"renderhub/internal/adapters/storage/localfs"
	"renderhub/internal/adapters/storage/s3"
	"renderhub/internal/config"
)

// NewPrimary returns the local store that backs public URLs.
func NewPrimary(cfg config.StorageConfig) *localfs.LocalFS {
	return localfs.New(cfg.Root)
}

// NewMirror returns the remote copy target selected by cfg.Mirror, or nil
// when mirroring is off.
func NewMirror(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Mirror {
	case "", "none":
		return nil, nil

	case "s3":
		c, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
			PathStyle:       cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	case "gdrive":
		c, err := gdrive.New(ctx, gdrive.Config{
			ClientID:     cfg.GDrive.ClientID,
			ClientSecret: cfg.GDrive.ClientSecret,
			RefreshToken: cfg.GDrive.RefreshToken,
			FolderID:     cfg.GDrive.FolderID,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown storage mirror: %s", cfg.Mirror)
	}
}
