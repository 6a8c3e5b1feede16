package archive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hochfrequenz/recon-orchestrator/internal/config"
)

// ErrUploadDisabled is returned when no archive endpoint is configured
var ErrUploadDisabled = errors.New("archive upload not configured")

// Uploader stores a local file under a key
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// MinioUploader uploads archives to an S3-compatible bucket
type MinioUploader struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// ValidateConfig checks the archive section of the application config
func ValidateConfig(cfg config.ArchiveConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return ErrUploadDisabled
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return errors.New("archive bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return errors.New("archive access_key and secret_key are required")
	}
	return nil
}

// NewMinioUploader creates an uploader from config
func NewMinioUploader(cfg config.ArchiveConfig) (*MinioUploader, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, region: region}, nil
}

// ObjectKey builds the key an archive is stored under
func ObjectKey(prefix, target, runID, localPath string) string {
	name := filepath.Base(localPath)
	if runID != "" {
		name = runID + "-" + name
	}
	return path.Join(strings.Trim(prefix, "/"), target, name)
}

// Key returns the object key for an archive of target using the
// configured prefix
func (u *MinioUploader) Key(target, runID, localPath string) string {
	return ObjectKey(u.prefix, target, runID, localPath)
}

// Upload ensures the bucket exists and stores the file. It returns the
// s3-style location of the object.
func (u *MinioUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return "", fmt.Errorf("make bucket: %w", err)
		}
	}

	_, err = u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
