// internal/media/s3.go
// Package media provides S3-compatible storage implementation for delivered
// files. It generates presigned download URLs so customers fetch objects
// directly from storage without streaming through the grant service.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned when a delivery credential is requested for
// an object key that does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// S3Client wraps the AWS S3 client for file delivery operations.
type S3Client struct {
	client *s3.Client // AWS S3 client
	bucket string     // S3 bucket holding the delivered files
	ttl    time.Duration
}

// NewS3Client creates a new S3 client for file delivery.
// It supports both AWS S3 and S3-compatible services like MinIO.
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string, ttl time.Duration) (*S3Client, error) {
	// Load AWS configuration with custom endpoint and credentials
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		// Configure static credentials
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with path-style addressing for compatibility
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		client: client,
		bucket: bucket,
		ttl:    ttl,
	}, nil
}

// Mint generates a presigned GET URL for one object key. It implements the
// grant service's delivery contract. The object must exist: presigning a
// dangling key would hand the customer a URL that 404s at the bucket.
func (s *S3Client) Mint(ctx context.Context, key string) (string, time.Time, error) {
	exists, _, err := s.ObjectExists(ctx, key)
	if err != nil {
		return "", time.Time{}, err
	}
	if !exists {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	// Create a presign client from the S3 client
	presignClient := s3.NewPresignClient(s.client)

	// Generate a presigned GET URL for direct client download
	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket), // Target S3 bucket
		Key:    aws.String(key),      // Object key in the bucket
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.ttl // URL expiration time
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignResult.URL, time.Now().UTC().Add(s.ttl), nil
}

// ObjectExists checks whether an object key is present in the bucket using
// a HEAD request. A missing object reports false without an error; only
// transport and access failures error out.
func (s *S3Client) ObjectExists(ctx context.Context, key string) (bool, int64, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket), // Target S3 bucket
		Key:    aws.String(key),      // Object key in the bucket
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to get object metadata: %w", err)
	}

	return true, aws.ToInt64(result.ContentLength), nil
}
