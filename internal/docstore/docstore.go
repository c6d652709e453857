// Package docstore uploads workflow attachments and returns the URI under
// which they can be fetched again.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
)

// Store persists a named document. Delete removes it again; deleting a
// missing document is not an error.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (uri string, err error)
	Delete(ctx context.Context, name string) error
}

// Backend is a Store holding resources that need releasing.
type Backend interface {
	Store
	io.Closer
}

var (
	ErrEmptyDocument   = errors.New("empty document")
	ErrInvalidName     = errors.New("invalid document name")
	ErrUnsupportedType = errors.New("unsupported document type")
)

// Allowed attachment types. Workflow attachments are PDFs in practice;
// scans arrive as images.
var allowedTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
}

// Config selects and configures a backend.
type Config struct {
	Backend string // local, gcs or s3

	Dir     string
	BaseURL string

	GCSBucket          string
	GCSCredentialsJSON string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Dir, cfg.BaseURL)
	case "gcs":
		return NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentialsJSON)
	case "s3":
		return NewS3(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.Backend)
	}
}

// ObjectKey is the key layout for step attachments:
// budgetSteps/<unix-millis>_<stepIndex>_<fileName>.
func ObjectKey(unixMillis int64, stepIndex int, fileName string) string {
	return fmt.Sprintf("budgetSteps/%d_%d_%s", unixMillis, stepIndex, sanitizeFileName(fileName))
}

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "document"
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
}

// validate checks a document before upload and returns its content type.
func validate(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	contentType := http.DetectContentType(data)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if !allowedTypes[contentType] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	return contentType, nil
}

// checkName rejects names that are not clean relative paths.
func checkName(name string) error {
	clean := path.Clean(name)
	if name == "" || clean != name || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
