package storage

import (
	"context"
	"fmt"

	"fluidsim/internal/adapters/storage/gdrive"
	"fluidsim/internal/adapters/storage/localfs"
	"fluidsim/internal/adapters/storage/s3"
	"fluidsim/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage: STORAGE_LOCAL_ROOT is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	case "s3":
		st, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		if cfg.S3.CreateBucket {
			if err := st.EnsureBucket(ctx); err != nil {
				return nil, fmt.Errorf("storage: ensure bucket %s: %w", cfg.S3.Bucket, err)
			}
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDrive) (Provider, error) {
	for name, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.ClientID,
		"GDRIVE_CLIENT_SECRET": cfg.ClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.RefreshToken,
	} {
		if v == "" {
			return nil, fmt.Errorf("storage: %s is required for gdrive", name)
		}
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	// The client outlives ctx; token refreshes must not be tied to startup.
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(context.WithoutCancel(ctx), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, cfg.FolderID), nil
}
