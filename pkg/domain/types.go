package domain

import (
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// MimeKind is the primary payload format of a book.
type MimeKind string

const (
	KindPDF  MimeKind = "pdf"
	KindEPUB MimeKind = "epub"
)

// ContentType returns the canonical media type for the kind.
func (k MimeKind) ContentType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindEPUB:
		return "application/epub+zip"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension (with dot) used for the kind.
func (k MimeKind) Extension() string {
	switch k {
	case KindPDF:
		return ".pdf"
	case KindEPUB:
		return ".epub"
	default:
		return ""
	}
}

// FileRef points at the stored primary payload of a book.
// A book either has a fully populated FileRef or none at all.
type FileRef struct {
	ObjectKey  string    `json:"objectKey"`
	Kind       MimeKind  `json:"kind"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// CoverRef points at the stored cover image of a book.
type CoverRef struct {
	ObjectKey   string    `json:"objectKey"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Author is the display summary of the user a book belongs to.
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type Book struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ISBN        *string    `json:"isbn,omitempty"`
	Publisher   string     `json:"publisher,omitempty"`
	PublishedOn *time.Time `json:"publishedOn,omitempty"`
	PageCount   int        `json:"pageCount,omitempty"`
	Language    string     `json:"language,omitempty"`
	AuthorID    string     `json:"authorId"`
	Author      *Author    `json:"author,omitempty"`
	File        *FileRef   `json:"file,omitempty"`
	Cover       *CoverRef  `json:"cover,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (b Book) HasFile() bool  { return b.File != nil }
func (b Book) HasCover() bool { return b.Cover != nil }

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary returns the author view of the user.
func (u User) Summary() Author {
	return Author{ID: u.ID, Username: u.Username, Name: u.Name}
}

// Payload is a binary upload handle handed in by the transport layer.
// Size and ContentType are declared by the caller; Body is read once.
type Payload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// MediaType returns the declared content type lower-cased and without parameters.
func (p Payload) MediaType() string {
	raw := strings.TrimSpace(p.ContentType)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mediaType
}

// Extension returns the lower-cased extension of the original filename, if any.
func (p Payload) Extension() string {
	return strings.ToLower(filepath.Ext(filepath.Base(strings.TrimSpace(p.Filename))))
}
