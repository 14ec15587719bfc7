package processor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/config"
)

// MediaArchiver uploads downloaded inbound media to S3, adapted from the
// teacher's internal/storage.S3Client (there scoped to call recordings) down
// to the one Put/presign operation pair the Incoming Processor needs.
type MediaArchiver struct {
	client *s3.Client
	bucket string
	log    logf.Logger
}

// NewMediaArchiver builds a MediaArchiver from cfg. Returns nil, nil if no
// bucket is configured — archival is then simply skipped for inbound media.
func NewMediaArchiver(cfg config.S3Config, log logf.Logger) (*MediaArchiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: s3 bucket set without a region")
	}

	opts := s3.Options{Region: cfg.Region}
	if key, secret := cfg.AccessKeyID, cfg.SecretAccessKey; key != "" && secret != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(key, secret, "")
	}

	return &MediaArchiver{client: s3.New(opts), bucket: cfg.Bucket, log: log}, nil
}

// Archive uploads data under messages/<message-id>/<media-id> and returns a
// presigned 24h download URL for StoredMessage.MediaURL.
func (a *MediaArchiver) Archive(ctx context.Context, messageID, mediaID, contentType string, data []byte) (string, error) {
	key := fmt.Sprintf("messages/%s/%s", messageID, mediaID)

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("archive: put object: %w", err)
	}

	presigner := s3.NewPresignClient(a.client)
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("archive: presign: %w", err)
	}
	return req.URL, nil
}
