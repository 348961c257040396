package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Signer presigns PUT requests against one bucket.
type S3Signer struct {
	bucket  string
	expires time.Duration
	presign *s3.PresignClient
}

// NewS3Signer loads the default AWS configuration chain (env, shared config,
// instance role). An empty region leaves the chain's choice alone.
func NewS3Signer(ctx context.Context, bucket, region string, expires time.Duration) (*S3Signer, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Signer{
		bucket:  bucket,
		expires: expires,
		presign: s3.NewPresignClient(s3.NewFromConfig(cfg)),
	}, nil
}

// SignPut returns a presigned PUT URL for key.
func (s *S3Signer) SignPut(ctx context.Context, key, contentType string) (string, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := s.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(s.expires))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
