package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"google.golang.org/api/option"
)

// GCSOptions configures a GCSSink.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint points the client at an emulator; authentication is
	// disabled when set.
	Endpoint string
}

// GCSSink writes archives as Cloud Storage objects.
type GCSSink struct {
	bucket string
	prefix string
	open   func(ctx context.Context, object string) io.WriteCloser
}

// NewGCSSink creates a storage client for opts.Bucket.
func NewGCSSink(ctx context.Context, opts GCSOptions) (*GCSSink, error) {
	if opts.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "archive bucket is required for the gcs backend")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create storage client")
	}
	bucket := client.Bucket(opts.Bucket)
	return &GCSSink{
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		open: func(ctx context.Context, object string) io.WriteCloser {
			w := bucket.Object(object).NewWriter(ctx)
			w.ContentType = "application/x-ndjson"
			w.ContentEncoding = "gzip"
			return w
		},
	}, nil
}

// Write implements Sink.
func (s *GCSSink) Write(ctx context.Context, name string, events []models.RawEvent) (string, error) {
	data, err := Encode(events)
	if err != nil {
		return "", err
	}
	object := objectName(s.prefix, name)
	w := s.open(ctx, object)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to write archive").
			WithDetail("object", object)
	}
	// the upload is committed on Close
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to finalize archive").
			WithDetail("object", object)
	}
	return "gs://" + s.bucket + "/" + object, nil
}
