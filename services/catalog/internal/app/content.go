package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/storage"
)

// Download is an open payload stream. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Filename    string
}

// Link is a time-boxed direct URL to a stored object.
type Link struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DownloadFile opens the primary payload of a book.
func (a *App) DownloadFile(ctx context.Context, id string) (*Download, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.File == nil {
		return nil, fmt.Errorf("book %s has no file: %w", id, domain.ErrNotFound)
	}
	obj, err := a.openReferenced(ctx, book, book.File.ObjectKey)
	if err != nil {
		return nil, err
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = book.File.Kind.ContentType()
	}
	a.logger(ctx, "download_file", id).Debug("streaming book file",
		"object_key", obj.Key, "size", humanize.IBytes(uint64(obj.Size)))
	return &Download{
		Body:        obj.Body,
		Size:        obj.Size,
		ContentType: contentType,
		Filename:    downloadFilename(book.Title, book.File.Kind.Extension()),
	}, nil
}

// DownloadCover opens the cover image of a book.
func (a *App) DownloadCover(ctx context.Context, id string) (*Download, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.Cover == nil {
		return nil, fmt.Errorf("book %s has no cover: %w", id, domain.ErrNotFound)
	}
	obj, err := a.openReferenced(ctx, book, book.Cover.ObjectKey)
	if err != nil {
		return nil, err
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = book.Cover.ContentType
	}
	return &Download{
		Body:        obj.Body,
		Size:        obj.Size,
		ContentType: contentType,
		Filename:    downloadFilename(book.Title+"-cover", coverExtension(book.Cover.ContentType)),
	}, nil
}

// PresignedFileURL signs a direct download URL for the primary payload.
// Signing is offline, so the object itself is not checked.
func (a *App) PresignedFileURL(ctx context.Context, id string) (Link, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return Link{}, err
	}
	if book.File == nil {
		return Link{}, fmt.Errorf("book %s has no file: %w", id, domain.ErrNotFound)
	}
	return a.presign(ctx, book.File.ObjectKey)
}

// PresignedCoverURL signs a direct download URL for the cover.
func (a *App) PresignedCoverURL(ctx context.Context, id string) (Link, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return Link{}, err
	}
	if book.Cover == nil {
		return Link{}, fmt.Errorf("book %s has no cover: %w", id, domain.ErrNotFound)
	}
	return a.presign(ctx, book.Cover.ObjectKey)
}

func (a *App) presign(ctx context.Context, key string) (Link, error) {
	expires := a.now().Add(a.presignExpiry)
	url, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
	if err != nil {
		return Link{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return Link{URL: url, ExpiresAt: expires}, nil
}

// openReferenced turns a missing object behind a live reference into an
// inconsistency rather than a plain not-found.
func (a *App) openReferenced(ctx context.Context, book domain.Book, key string) (*storage.Object, error) {
	obj, err := a.objects.Get(ctx, key)
	if err == nil {
		return obj, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		a.logger(ctx, "download", book.ID).Error("book references missing object", "object_key", key)
		return nil, fmt.Errorf("%w: book %s references missing object %s", domain.ErrInconsistent, book.ID, key)
	}
	return nil, fmt.Errorf("open object: %w", err)
}

func coverExtension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

// downloadFilename builds "<title><ext>" restricted to a header-safe charset.
func downloadFilename(title, ext string) string {
	name := sanitizeFilename(title)
	if name == "" {
		name = "book"
	}
	if len(name) > 120 {
		name = strings.TrimRight(name[:120], "._-")
	}
	return name + ext
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
