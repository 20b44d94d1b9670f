package storage

import (
	"context"
	"testing"

	"renderhub/internal/config"
)

func TestNewMirror(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      config.StorageConfig
		provider string
		wantErr  bool
	}{
		{"none", config.StorageConfig{Mirror: "none"}, "", false},
		{"empty", config.StorageConfig{}, "", false},
		{"s3", config.StorageConfig{Mirror: "s3", S3: config.S3Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}}, "s3", false},
		{"gdrive", config.StorageConfig{Mirror: "gdrive", GDrive: config.GDriveConfig{ClientID: "id", ClientSecret: "s", RefreshToken: "r"}}, "gdrive", false},
		{"gdrive incomplete", config.StorageConfig{Mirror: "gdrive"}, "", true},
		{"unknown", config.StorageConfig{Mirror: "ftp"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewMirror(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMirror error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.provider == "" {
				if p != nil && !tt.wantErr {
					t.Errorf("expected no mirror, got %s", p.Provider())
				}
				return
			}
			if p == nil || p.Provider() != tt.provider {
				t.Errorf("expected %s mirror, got %v", tt.provider, p)
			}
		})
	}
}

func TestNewPrimary(t *testing.T) {
	root := t.TempDir()
	if got := NewPrimary(config.StorageConfig{Root: root}).Root(); got != root {
		t.Errorf("expected root %s, got %s", root, got)
	}
}
