package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"librarycatalog/pkg/domain"
)

// MemoryStore keeps records in-process. It enforces the same uniqueness and
// not-found rules as GormStore and backs tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	books  map[string]domain.Book
	orders []string
	users  map[string]domain.User
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]domain.Book),
		users: make(map[string]domain.User),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id == u.ID {
			continue
		}
		if strings.EqualFold(other.Email, u.Email) {
			return fmt.Errorf("save user: %w: email already registered", domain.ErrConflict)
		}
		if strings.EqualFold(other.Username, u.Username) {
			return fmt.Errorf("save user: %w: username already taken", domain.ErrConflict)
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUsersByIDs(_ context.Context, ids []string) (map[string]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			res[id] = u
		}
	}
	return res, nil
}

func (m *MemoryStore) UserExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[id]
	return ok, nil
}

// DeleteUser removes a user. Books keep their dangling author reference.
func (m *MemoryStore) DeleteUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *MemoryStore) CreateBook(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; exists {
		return fmt.Errorf("create book: %w: id already exists", domain.ErrConflict)
	}
	if m.isbnTakenLocked(b.ISBN, b.ID) {
		return fmt.Errorf("create book: %w: isbn already registered", domain.ErrConflict)
	}
	b.Author = nil
	m.books[b.ID] = cloneBook(b)
	m.orders = append(m.orders, b.ID)
	return nil
}

func (m *MemoryStore) UpdateBookMetadata(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.books[b.ID]
	if !ok {
		return fmt.Errorf("update book %s: %w", b.ID, domain.ErrNotFound)
	}
	if m.isbnTakenLocked(b.ISBN, b.ID) {
		return fmt.Errorf("update book: %w: isbn already registered", domain.ErrConflict)
	}
	b = cloneBook(b)
	current.Title = b.Title
	current.Description = b.Description
	current.ISBN = b.ISBN
	current.Publisher = b.Publisher
	current.PublishedOn = b.PublishedOn
	current.PageCount = b.PageCount
	current.Language = b.Language
	current.UpdatedAt = b.UpdatedAt
	m.books[b.ID] = current
	return nil
}

func (m *MemoryStore) SwapFileRef(_ context.Context, id, expectKey string, ref domain.FileRef, pageCount int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.books[id]
	if !ok {
		return fmt.Errorf("swap file %s: %w", id, domain.ErrNotFound)
	}
	if got := fileKey(current); got != expectKey {
		return fmt.Errorf("swap file %s: %w: file_key changed concurrently", id, domain.ErrConflict)
	}
	current.File = &ref
	if pageCount > 0 {
		current.PageCount = pageCount
	}
	current.UpdatedAt = at
	m.books[id] = current
	return nil
}

func (m *MemoryStore) SwapCoverRef(_ context.Context, id, expectKey string, ref *domain.CoverRef, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.books[id]
	if !ok {
		return fmt.Errorf("swap cover %s: %w", id, domain.ErrNotFound)
	}
	if got := coverKey(current); got != expectKey {
		return fmt.Errorf("swap cover %s: %w: cover_key changed concurrently", id, domain.ErrConflict)
	}
	current.Cover = nil
	if ref != nil {
		c := *ref
		current.Cover = &c
	}
	current.UpdatedAt = at
	m.books[id] = current
	return nil
}

func fileKey(b domain.Book) string {
	if b.File == nil {
		return ""
	}
	return b.File.ObjectKey
}

func coverKey(b domain.Book) string {
	if b.Cover == nil {
		return ""
	}
	return b.Cover.ObjectKey
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks(_ context.Context) ([]domain.Book, error) {
	return m.filter(func(domain.Book) bool { return true }), nil
}

func (m *MemoryStore) ListBooksByAuthor(_ context.Context, authorID string) ([]domain.Book, error) {
	return m.filter(func(b domain.Book) bool { return b.AuthorID == authorID }), nil
}

func (m *MemoryStore) SearchBooks(_ context.Context, q BookQuery) ([]domain.Book, error) {
	title := strings.ToLower(strings.TrimSpace(q.Title))
	lang := strings.TrimSpace(q.Language)
	return m.filter(func(b domain.Book) bool {
		if title != "" && !strings.Contains(strings.ToLower(b.Title), title) {
			return false
		}
		if lang != "" && !strings.EqualFold(b.Language, lang) {
			return false
		}
		if q.WithFile && b.File == nil {
			return false
		}
		return true
	}), nil
}

func (m *MemoryStore) HasISBN(_ context.Context, isbn, excludeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isbnTakenLocked(&isbn, excludeID), nil
}

func (m *MemoryStore) DeleteBook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return fmt.Errorf("delete book %s: %w", id, domain.ErrNotFound)
	}
	delete(m.books, id)
	for i, existing := range m.orders {
		if existing == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) CountBooks(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books), nil
}

func (m *MemoryStore) filter(keep func(domain.Book) bool) []domain.Book {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok && keep(b) {
			res = append(res, cloneBook(b))
		}
	}
	return res
}

func (m *MemoryStore) isbnTakenLocked(isbn *string, excludeID string) bool {
	if isbn == nil || *isbn == "" {
		return false
	}
	for id, b := range m.books {
		if id != excludeID && b.ISBN != nil && *b.ISBN == *isbn {
			return true
		}
	}
	return false
}

// cloneBook copies pointer fields so callers cannot mutate stored state.
func cloneBook(b domain.Book) domain.Book {
	if b.ISBN != nil {
		v := *b.ISBN
		b.ISBN = &v
	}
	if b.PublishedOn != nil {
		v := *b.PublishedOn
		b.PublishedOn = &v
	}
	if b.File != nil {
		v := *b.File
		b.File = &v
	}
	if b.Cover != nil {
		v := *b.Cover
		b.Cover = &v
	}
	if b.Author != nil {
		v := *b.Author
		b.Author = &v
	}
	return b
}
