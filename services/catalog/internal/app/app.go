package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"librarycatalog/internal/util"
	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/ledger"
	"librarycatalog/pkg/storage"
	"librarycatalog/pkg/store"
)

const (
	defaultPresignExpiry   = 7 * 24 * time.Hour
	defaultMutationTimeout = 2 * time.Minute
	defaultCleanupTimeout  = 30 * time.Second
)

// AuthorDirectory answers author lookups for the catalog. The default
// implementation reads the users table of the record store.
type AuthorDirectory interface {
	UserExists(ctx context.Context, id string) (bool, error)
	Authors(ctx context.Context, ids []string) (map[string]domain.Author, error)
}

// Config holds runtime dependencies and limits for the core application.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	// Authors defaults to the users held by Store.
	Authors AuthorDirectory
	// Orphans receives objects left behind by failed cleanup. Optional.
	Orphans ledger.Ledger

	MaxFileBytes    int64
	MaxCoverBytes   int64
	PresignExpiry   time.Duration
	MutationTimeout time.Duration
	CleanupTimeout  time.Duration

	Now func() time.Time
}

// App coordinates book records in the record store with their payloads in the object store.
type App struct {
	store   store.Store
	objects storage.ObjectStore
	authors AuthorDirectory
	orphans ledger.Ledger

	bookRules  PayloadRules
	coverRules PayloadRules

	presignExpiry   time.Duration
	mutationTimeout time.Duration
	cleanupTimeout  time.Duration
	now             func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("record store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	a := &App{
		store:           cfg.Store,
		objects:         cfg.Objects,
		authors:         cfg.Authors,
		orphans:         cfg.Orphans,
		bookRules:       BookFileRules.WithMaxBytes(cfg.MaxFileBytes),
		coverRules:      CoverRules.WithMaxBytes(cfg.MaxCoverBytes),
		presignExpiry:   cfg.PresignExpiry,
		mutationTimeout: cfg.MutationTimeout,
		cleanupTimeout:  cfg.CleanupTimeout,
		now:             cfg.Now,
	}
	if a.authors == nil {
		a.authors = storeDirectory{store: cfg.Store}
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.mutationTimeout <= 0 {
		a.mutationTimeout = defaultMutationTimeout
	}
	if a.cleanupTimeout <= 0 {
		a.cleanupTimeout = defaultCleanupTimeout
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// Limits reports the payload ceilings in bytes.
func (a *App) Limits() (fileBytes, coverBytes int64) {
	return a.bookRules.MaxBytes, a.coverRules.MaxBytes
}

// AuthorDraft is the input for RegisterAuthor.
type AuthorDraft struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// RegisterAuthor creates a user that books can reference.
func (a *App) RegisterAuthor(ctx context.Context, d AuthorDraft) (domain.User, error) {
	d.Username = strings.TrimSpace(d.Username)
	d.Name = strings.TrimSpace(d.Name)
	d.Email = strings.ToLower(strings.TrimSpace(d.Email))
	if err := validateAuthor(d); err != nil {
		return domain.User{}, err
	}
	now := a.now()
	user := domain.User{
		ID:        uuid.NewString(),
		Username:  d.Username,
		Name:      d.Name,
		Email:     d.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("register author: %w", err)
	}
	return user, nil
}

// GetAuthor returns a user by ID.
func (a *App) GetAuthor(ctx context.Context, id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("get author: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("author %s: %w", id, domain.ErrNotFound)
	}
	return user, nil
}

// GetBook returns the record with its author resolved.
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	book, err := a.loadBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	books, err := a.resolveAuthors(ctx, []domain.Book{book})
	if err != nil {
		return domain.Book{}, err
	}
	return books[0], nil
}

// ListBooks returns every record.
func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return a.resolveAuthors(ctx, books)
}

// ListBooksByAuthor returns the records that reference authorID.
func (a *App) ListBooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error) {
	books, err := a.store.ListBooksByAuthor(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("list books by author: %w", err)
	}
	return a.resolveAuthors(ctx, books)
}

// SearchBooks filters records by title fragment, language and file presence.
func (a *App) SearchBooks(ctx context.Context, q store.BookQuery) ([]domain.Book, error) {
	books, err := a.store.SearchBooks(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return a.resolveAuthors(ctx, books)
}

func (a *App) loadBook(ctx context.Context, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, fmt.Errorf("book %s: %w", id, domain.ErrNotFound)
	}
	return book, nil
}

// resolveAuthors attaches author summaries. A record whose author is gone is
// reported as inconsistent instead of being returned without one.
func (a *App) resolveAuthors(ctx context.Context, books []domain.Book) ([]domain.Book, error) {
	if len(books) == 0 {
		return books, nil
	}
	ids := make([]string, 0, len(books))
	seen := make(map[string]bool, len(books))
	for _, b := range books {
		if !seen[b.AuthorID] {
			seen[b.AuthorID] = true
			ids = append(ids, b.AuthorID)
		}
	}
	authors, err := a.authors.Authors(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve authors: %w", err)
	}
	for i := range books {
		author, ok := authors[books[i].AuthorID]
		if !ok {
			util.LoggerFromContext(ctx).Error("book references missing author",
				"book_id", books[i].ID, "author_id", books[i].AuthorID)
			return nil, fmt.Errorf("%w: book %s references missing author %s", domain.ErrInconsistent, books[i].ID, books[i].AuthorID)
		}
		books[i].Author = &author
	}
	return books, nil
}

// attachAuthor is used after a successful write; a lookup failure there must
// not turn the committed write into an error.
func (a *App) attachAuthor(ctx context.Context, book domain.Book) domain.Book {
	authors, err := a.authors.Authors(ctx, []string{book.AuthorID})
	if err != nil {
		util.LoggerFromContext(ctx).Warn("author lookup after write failed", "book_id", book.ID, "err", err)
		return book
	}
	if author, ok := authors[book.AuthorID]; ok {
		book.Author = &author
	}
	return book
}

func (a *App) logger(ctx context.Context, op, bookID string) *slog.Logger {
	return util.LoggerFromContext(ctx).With("op", op, "book_id", bookID)
}

type storeDirectory struct {
	store store.Store
}

func (d storeDirectory) UserExists(ctx context.Context, id string) (bool, error) {
	return d.store.UserExists(ctx, id)
}

func (d storeDirectory) Authors(ctx context.Context, ids []string) (map[string]domain.Author, error) {
	users, err := d.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Author, len(users))
	for id, u := range users {
		out[id] = u.Summary()
	}
	return out, nil
}
