package cloud

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Artifacts mirrors generated files to a bucket.
type Artifacts struct {
	api    S3API
	logger *slog.Logger
}

// NewArtifacts creates an artifact uploader.
func NewArtifacts(api S3API, logger *slog.Logger) *Artifacts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Artifacts{api: api, logger: logger.With("component", "artifacts")}
}

// Put uploads body under prefix/name and returns its s3:// URI.
func (a *Artifacts) Put(ctx context.Context, bucket, prefix, name string, body []byte, contentType string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket is required")
	}
	key := name
	if p := strings.Trim(prefix, "/"); p != "" {
		key = p + "/" + name
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := a.api.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s", bucket, key)
	a.logger.Debug("artifact uploaded", "uri", uri, "bytes", len(body))
	return uri, nil
}
