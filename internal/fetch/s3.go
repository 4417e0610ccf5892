package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 mirror source.
type S3Options struct {
	// Bucket is the bucket holding the artifacts (required).
	Bucket string
	// Prefix is the key prefix artifacts live under (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible stores such as MinIO
	// or R2. Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// s3GetObjectAPI is the slice of the S3 client the source needs.
type s3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads artifacts from an S3 bucket that mirrors the
// distribution server.
type S3Source struct {
	client s3GetObjectAPI
	bucket string
	prefix string
}

// NewS3Source loads AWS configuration through the default credential chain
// and builds a source for opts.Bucket.
func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	if opts.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Source(s3.NewFromConfig(awsConfig, s3Opts...), opts.Bucket, opts.Prefix), nil
}

func newS3Source(client s3GetObjectAPI, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

// Open fetches the object {prefix}/{name}
func (s *S3Source) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = aws.ToInt64(out.ContentLength)
	}
	return out.Body, size, nil
}

func (s *S3Source) String() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}
