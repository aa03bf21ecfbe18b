// Package blob stores attachment bytes and hands back a retrievable URL.
package blob

import (
	"context"
	"errors"
	"mime"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"agencyflow/internal/config"
)

// ErrNotFound is returned when a URL does not resolve to a stored object.
var ErrNotFound = errors.New("blob not found")

type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Store is an opaque byte store addressed by the URL it returns.
type Store interface {
	Store(ctx context.Context, data []byte, contentType string) (Object, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// NewKey builds a date-partitioned object key with an extension derived
// from the content type when one is registered.
func NewKey(now time.Time, contentType string) string {
	ext := ""
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return path.Join(now.UTC().Format("2006/01"), uuid.NewString()+ext)
}

// FromConfig opens the store selected by the blob section. workspace anchors
// a relative fs directory.
func FromConfig(ctx context.Context, cfg config.BlobConfig, workspace string) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			Endpoint:      cfg.Endpoint,
			Prefix:        cfg.Prefix,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = ".agencyflow/blobs"
		}
		if !filepath.IsAbs(dir) && workspace != "" {
			dir = filepath.Join(workspace, dir)
		}
		return NewFS(dir)
	}
}
