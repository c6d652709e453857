package docstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 uploads documents to an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 creates an S3 store. If endpoint is non-empty, path-style addressing
// is enabled (for MinIO and similar).
func NewS3(ctx context.Context, bucket, region, endpoint string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 docstore: bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3{client: s3.NewFromConfig(cfg, s3opts...), bucket: bucket}, nil
}

func (s *S3) Put(ctx context.Context, name string, data []byte) (string, error) {
	contentType, err := validate(name, data)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object %s: %w", name, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, name), nil
}

func (s *S3) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object %s: %w", name, err)
	}
	return nil
}

func (s *S3) Close() error { return nil }
