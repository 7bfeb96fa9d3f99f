package archive

import (
	"bytes"
	"context"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3Sink. Endpoint targets S3 compatible stores
// such as MinIO and switches to path-style addressing.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes archives as S3 objects.
type S3Sink struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Sink loads the default AWS credential chain.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	if opts.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "archive bucket is required for the s3 backend")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Write implements Sink.
func (s *S3Sink) Write(ctx context.Context, name string, events []models.RawEvent) (string, error) {
	data, err := Encode(events)
	if err != nil {
		return "", err
	}
	key := objectName(s.prefix, name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload archive").
			WithDetail("key", key)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
