package securestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// S3API is the subset of the S3 client used by S3BackupSink.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3BackupSink.
type S3Config struct {
	Bucket    string
	Region    string
	KeyPrefix string
}

// S3BackupSink uploads SQLiteStore backups to S3 and fetches them back. The
// object is the JSON encoding of Backup; its payload is already encrypted.
type S3BackupSink struct {
	client    S3API
	bucket    string
	keyPrefix string
	logger    zerolog.Logger
}

// NewS3BackupSink wraps an existing client.
func NewS3BackupSink(client S3API, bucket, keyPrefix string) *S3BackupSink {
	return &S3BackupSink{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		logger:    log.With().Str("component", "s3_backup").Logger(),
	}
}

// NewS3BackupSinkFromConfig loads the default AWS configuration for the region.
func NewS3BackupSinkFromConfig(ctx context.Context, cfg S3Config) (*S3BackupSink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3BackupSink(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.KeyPrefix), nil
}

// ObjectKey returns the object key used for a namespace.
func (b *S3BackupSink) ObjectKey(namespace string) string {
	if namespace == "" {
		namespace = "default"
	}
	return b.keyPrefix + namespace + "/secrets.backup.json"
}

// Upload stores backup under its namespace's object key.
func (b *S3BackupSink) Upload(ctx context.Context, backup *Backup) error {
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	key := b.ObjectKey(backup.Namespace)
	b.logger.Debug().
		Str("bucket", b.bucket).
		Str("key", key).
		Int("size", len(data)).
		Int64("rollback_counter", backup.RollbackCounter).
		Msg("S3 PUT")

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

// Download fetches the latest backup for namespace.
func (b *S3BackupSink) Download(ctx context.Context, namespace string) (*Backup, error) {
	key := b.ObjectKey(namespace)
	b.logger.Debug().Str("bucket", b.bucket).Str("key", key).Msg("S3 GET")

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}

	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("failed to decode backup: %w", err)
	}
	return &backup, nil
}
