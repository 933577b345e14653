/**
 * @description
 * This package stores raw inbound webhook bodies in an S3-compatible bucket so
 * disputed deliveries can be replayed and audited after the fact.
 *
 * @dependencies
 * - github.com/aws/aws-sdk-go-v2: S3 client and credential loading.
 *
 * @notes
 * - Archiving is best effort. Callers log failures and carry on.
 */
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Config holds the bucket location and optional static credentials.
type Config struct {
	Bucket          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes webhook payloads to S3.
type Archiver struct {
	client putObjectAPI
	bucket string
	now    func() time.Time
}

// NewArchiver builds an S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewArchiver(ctx context.Context, cfg Config) (*Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is not configured")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// MinIO and other S3-compatible stores need path-style URLs.
			o.UsePathStyle = true
		}
	})

	return newArchiver(client, cfg.Bucket), nil
}

func newArchiver(client putObjectAPI, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket, now: time.Now}
}

// ObjectKey returns webhooks/<provider>/<yyyy>/<mm>/<dd>/<unix-nanos>-<id>.json.
func (a *Archiver) ObjectKey(provider string, at time.Time) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "unknown"
	}
	at = at.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%d-%s.json", provider, at.Year(), at.Month(), at.Day(), at.UnixNano(), uuid.NewString())
}

// ArchiveWebhook stores body and returns the object key it was written under.
func (a *Archiver) ArchiveWebhook(ctx context.Context, provider string, body []byte) (string, error) {
	key := a.ObjectKey(provider, a.now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"provider": provider},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s webhook: %w", provider, err)
	}
	return key, nil
}
