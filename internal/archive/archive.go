// Package archive writes staged events to durable storage before the
// cleanup job purges them. Every sink writes one gzip-compressed JSON
// lines object per call.
package archive

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/klauspost/compress/gzip"
)

// Extension is appended to every archive object name.
const Extension = ".jsonl.gz"

// Sink stores a batch of events under name and returns the location it
// wrote to.
type Sink interface {
	Write(ctx context.Context, name string, events []models.RawEvent) (string, error)
}

// Encode renders events as gzip-compressed JSON lines.
func Encode(events []models.RawEvent) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create gzip writer")
	}
	enc := json.NewEncoder(zw)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = zw.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode archived event").
				WithDetail("ingest_id", events[i].IngestID)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to flush gzip stream")
	}
	return buf.Bytes(), nil
}

// Decode reads an archive produced by Encode.
func Decode(data []byte) ([]models.RawEvent, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "not a gzip archive")
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	var out []models.RawEvent
	for dec.More() {
		var e models.RawEvent
		if err := dec.Decode(&e); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode archived event")
		}
		out = append(out, e)
	}
	return out, nil
}

func objectName(prefix, name string) string {
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	return path.Join(prefix, name)
}

// New builds the sink selected by cfg. An empty backend returns a nil sink,
// meaning events are purged without archiving.
func New(ctx context.Context, cfg config.ArchiveConfig) (Sink, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "file":
		s, err := NewFileSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := NewS3Sink(ctx, S3Options{Bucket: cfg.Bucket, Prefix: cfg.Prefix, Region: cfg.Region, Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "gcs":
		s, err := NewGCSSink(ctx, GCSOptions{Bucket: cfg.Bucket, Prefix: cfg.Prefix, Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown archive backend %q", cfg.Backend)
}
