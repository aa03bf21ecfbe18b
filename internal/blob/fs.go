package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fsScheme = "file+blob://"

// FS keeps objects under a local directory.
type FS struct {
	Dir string
	Now func() time.Time
}

func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob dir: %w", err)
	}
	return &FS{Dir: dir, Now: time.Now}, nil
}

func (s *FS) Store(ctx context.Context, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	key := NewKey(s.Now(), contentType)
	full := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, err
	}
	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return Object{}, err
	}
	return Object{Key: key, URL: fsScheme + key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *FS) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := strings.CutPrefix(url, fsScheme)
	if !ok || key == "" || strings.Contains(key, "..") {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
