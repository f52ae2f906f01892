package publish

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/samber/oops"

	"github.com/createrken-code/nippo-shokuninn/core/config"
)

const reportPrefix = "reports/"

// S3 uploads reports to an S3-compatible bucket and returns presigned links.
type S3 struct {
	client *minio.Client
	bucket string
	region string
	expiry time.Duration

	initOnce sync.Once
	initErr  error
}

// NewS3 validates cfg and builds the client. The bucket is created lazily.
func NewS3(cfg config.S3Config) (*S3, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("publish: s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("publish: s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("publish: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 || expiry > 7*24*time.Hour {
		expiry = 24 * time.Hour
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: init s3 client: %w", err)
	}
	return &S3{client: client, bucket: bucket, region: region, expiry: expiry}, nil
}

// Name implements Publisher.
func (s *S3) Name() string { return BackendS3 }

func (s *S3) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if !exists {
			s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		}
	})
	return s.initErr
}

// Publish implements Publisher.
func (s *S3) Publish(ctx context.Context, path string) (string, error) {
	key := reportPrefix + filepath.Base(path)
	errb := oops.Code("report_publish").With("backend", BackendS3, "bucket", s.bucket, "key", key)

	if err := s.ensureBucket(ctx); err != nil {
		return "", errb.Wrapf(err, "ensure bucket")
	}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{ContentType: pdfType}); err != nil {
		return "", errb.Wrapf(err, "upload report")
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(path)))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, params)
	if err != nil {
		return "", errb.Wrapf(err, "presign report url")
	}
	return u.String(), nil
}
