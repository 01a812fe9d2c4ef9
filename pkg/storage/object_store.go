package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"librarycatalog/pkg/domain"
)

// Key prefixes separating payload classes inside the bucket.
const (
	PrefixBooks  = "books"
	PrefixCovers = "covers"
)

// ObjectStore provides access to object storage.
//
// Put never overwrites: every call stores the payload under a fresh key.
// Get fails with domain.ErrNotFound for missing keys; Delete treats them as success.
// Everything else surfaces as domain.ErrStorage.
type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, prefix string, p domain.Payload) (string, error)
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Object is an open stream over a stored object, positioned at offset 0.
type Object struct {
	Key         string
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Close releases the underlying stream.
func (o *Object) Close() error {
	if o == nil || o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

var extensionsByType = map[string]string{
	"application/pdf":      ".pdf",
	"application/epub+zip": ".epub",
	"image/jpeg":           ".jpg",
	"image/png":            ".png",
	"image/webp":           ".webp",
}

// NewKey builds "<prefix>/<uuid><ext>" for a payload. The extension comes from the
// original filename and falls back to the declared content type.
func NewKey(prefix string, p domain.Payload) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "objects"
	}
	ext := p.Extension()
	if !safeExtension(ext) {
		ext = extensionsByType[p.MediaType()]
	}
	return path.Join(prefix, uuid.NewString()+ext)
}

func safeExtension(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
