// Package storage is a small S3-compatible object store client. Reindex runs
// mirror their checkpoints here so a run can be resumed on another host.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(provideService),
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("object not found")

// ErrDisabled is returned by every operation when storage is not configured.
var ErrDisabled = errors.New("storage service not enabled")

// Service provides S3-compatible storage operations on one bucket.
type Service struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

func provideService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	return NewService(cfg.Storage, log)
}

// NewService creates a storage service. An unconfigured service is returned
// disabled rather than failing.
func NewService(cfg config.StorageConfig, log *slog.Logger) (*Service, error) {
	log = log.With(logger.Scope("storage"))
	if !cfg.IsConfigured() {
		log.Info("object storage disabled - no configuration provided")
		return &Service{bucket: cfg.Bucket, log: log}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// path-style addressing for MinIO and other S3-compatible servers
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	log.Info("object storage initialized",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)
	return &Service{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Enabled returns true if the storage service is properly configured
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// Put writes data under key.
func (s *Service) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if !s.Enabled() {
		return ErrDisabled
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.log.Error("failed to upload object", slog.String("key", key), logger.Error(err))
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.log.Debug("object uploaded", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

// Get reads the object under key. A missing key yields ErrNotFound.
func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object under key. Deleting a missing key succeeds.
func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.Enabled() {
		return ErrDisabled
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "404") || strings.Contains(msg, "NoSuchKey")
}

var (
	unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	repeatedUnders = regexp.MustCompile(`_{2,}`)
)

// SanitizeKeySegment turns an arbitrary name into one safe key segment.
func SanitizeKeySegment(name string) string {
	s := unsafeKeyChars.ReplaceAllString(name, "_")
	s = repeatedUnders.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// CheckpointKey returns the object key of a collection's reindex checkpoint.
func CheckpointKey(collection string) string {
	return "reindex/" + SanitizeKeySegment(collection) + "/checkpoint.json"
}
