package store

import (
	"context"
	"time"

	"librarycatalog/pkg/domain"
)

// BookQuery filters SearchBooks. Empty fields do not filter.
type BookQuery struct {
	// Title matches case-insensitively anywhere in the title.
	Title    string
	Language string
	WithFile bool
}

// Store defines persistence operations for authors and book records.
//
// Writes that would duplicate a non-null ISBN (or a username/email) fail with
// domain.ErrConflict. Updates and DeleteBook fail with domain.ErrNotFound
// when the record is gone, so a concurrent delete is never undone by an update.
//
// Book updates touch disjoint column groups: UpdateBookMetadata writes only the
// scalar fields, SwapFileRef and SwapCoverRef write only their reference.
// The swaps are compare-and-swap on the object key the caller last saw and
// fail with domain.ErrConflict when another writer moved it first.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error)
	UserExists(ctx context.Context, id string) (bool, error)

	// books
	CreateBook(ctx context.Context, b domain.Book) error
	UpdateBookMetadata(ctx context.Context, b domain.Book) error
	// SwapFileRef replaces the file reference while it still equals expectKey
	// ("" means no file). A positive pageCount is written along with it.
	SwapFileRef(ctx context.Context, id, expectKey string, ref domain.FileRef, pageCount int, at time.Time) error
	// SwapCoverRef replaces or, with a nil ref, clears the cover while it still
	// equals expectKey ("" means no cover).
	SwapCoverRef(ctx context.Context, id, expectKey string, ref *domain.CoverRef, at time.Time) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	ListBooks(ctx context.Context) ([]domain.Book, error)
	ListBooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error)
	SearchBooks(ctx context.Context, q BookQuery) ([]domain.Book, error)
	HasISBN(ctx context.Context, isbn, excludeID string) (bool, error)
	DeleteBook(ctx context.Context, id string) error
	CountBooks(ctx context.Context) (int, error)
}
