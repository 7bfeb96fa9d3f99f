package archive

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// FileSink writes archives under a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "archive path is required for the file backend")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create archive directory").
			WithDetail("path", dir)
	}
	return &FileSink{dir: dir}, nil
}

// Write implements Sink. The file is written to a temporary name and
// renamed so a partial archive is never visible.
func (s *FileSink) Write(ctx context.Context, name string, events []models.RawEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeCancelled, "archive cancelled")
	}
	data, err := Encode(events)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.dir, filepath.FromSlash(objectName("", name)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to create archive directory")
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to write archive").WithDetail("path", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to publish archive").WithDetail("path", target)
	}
	return target, nil
}
