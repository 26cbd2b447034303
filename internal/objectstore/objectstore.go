// Copyright 2025 James Ross
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
)

// Store is the C1 contract: put/get blobs by (bucket, key), returning an
// etag on put. Callers never write the same key twice by construction.
type Store interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) (etag string, err error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Config configures an S3-compatible endpoint (real S3, MinIO, LocalStack).
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3Store implements Store against any S3-compatible API.
type S3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	log      *zap.Logger
}

// New builds an S3Store and probes connectivity via HeadBucket against the
// uploads bucket, mirroring the teacher's archive exporter startup check.
func New(cfg Config, probeBucket string, log *zap.Logger) (*S3Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.ForcePathStyle)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "new_session", err)
	}

	client := s3.New(sess)
	if probeBucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(probeBucket)}); err != nil {
			return nil, apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "head_bucket", err)
		}
	}

	return &S3Store{
		client:   client,
		uploader: s3manager.NewUploader(sess),
		log:      log,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error) {
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "put", err)
	}
	etag := out.ETag
	if etag != nil {
		return *etag, nil
	}
	return "", nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "get", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "read_body", err)
	}
	return data, nil
}

// UploadKey returns the deterministic key for a dataset's source blob.
func UploadKey(datasetID, originalFilename string) string {
	return fmt.Sprintf("datasets/%s/source/%s", datasetID, path.Base(originalFilename))
}

// ReportKey returns the deterministic key for a dataset's generated report.
func ReportKey(datasetID string) string {
	return fmt.Sprintf("datasets/%s/report/report.json", datasetID)
}
