package app

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/ledger"
	"librarycatalog/pkg/storage"
	"librarycatalog/pkg/store"
)

// flakyObjects wraps the in-memory object store with per-prefix put failures
// and a switch for delete failures.
type flakyObjects struct {
	*storage.MemoryStore

	mu        sync.Mutex
	putErr    map[string]error
	deleteErr error
	puts      []string
	deletes   []string
}

func newFlakyObjects() *flakyObjects {
	return &flakyObjects{MemoryStore: storage.NewMemoryStore("test"), putErr: map[string]error{}}
}

func (f *flakyObjects) Put(ctx context.Context, prefix string, p domain.Payload) (string, error) {
	f.mu.Lock()
	err := f.putErr[prefix]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	key, err := f.MemoryStore.Put(ctx, prefix, p)
	if err == nil {
		f.mu.Lock()
		f.puts = append(f.puts, key)
		f.mu.Unlock()
	}
	return key, err
}

func (f *flakyObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, key)
}

func (f *flakyObjects) putKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

// flakyStore wraps the in-memory record store with injectable write failures.
// updateErr applies to every record update. commitThenFail makes the write
// persist and still return the error, the way a lost connection after COMMIT
// looks to the caller. beforeUpdate runs once ahead of the next update.
type flakyStore struct {
	*store.MemoryStore

	createErr      error
	updateErr      error
	deleteErr      error
	getErr         error
	commitThenFail bool
	beforeUpdate   func()
}

func (f *flakyStore) CreateBook(ctx context.Context, b domain.Book) error {
	if f.createErr == nil {
		return f.MemoryStore.CreateBook(ctx, b)
	}
	if f.commitThenFail {
		if err := f.MemoryStore.CreateBook(ctx, b); err != nil {
			return err
		}
	}
	return f.createErr
}

func (f *flakyStore) update(write func() error) error {
	if hook := f.beforeUpdate; hook != nil {
		f.beforeUpdate = nil
		hook()
	}
	if f.updateErr == nil {
		return write()
	}
	if f.commitThenFail {
		if err := write(); err != nil {
			return err
		}
	}
	return f.updateErr
}

func (f *flakyStore) UpdateBookMetadata(ctx context.Context, b domain.Book) error {
	return f.update(func() error { return f.MemoryStore.UpdateBookMetadata(ctx, b) })
}

func (f *flakyStore) SwapFileRef(ctx context.Context, id, expectKey string, ref domain.FileRef, pageCount int, at time.Time) error {
	return f.update(func() error { return f.MemoryStore.SwapFileRef(ctx, id, expectKey, ref, pageCount, at) })
}

func (f *flakyStore) SwapCoverRef(ctx context.Context, id, expectKey string, ref *domain.CoverRef, at time.Time) error {
	return f.update(func() error { return f.MemoryStore.SwapCoverRef(ctx, id, expectKey, ref, at) })
}

func (f *flakyStore) DeleteBook(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryStore.DeleteBook(ctx, id)
}

func (f *flakyStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	if f.getErr != nil {
		return domain.Book{}, false, f.getErr
	}
	return f.MemoryStore.GetBook(ctx, id)
}

type fixture struct {
	app     *App
	objects *flakyObjects
	store   *flakyStore
	author  domain.User
}

func newFixture(t *testing.T, orphans ledger.Ledger) *fixture {
	t.Helper()
	objects := newFlakyObjects()
	records := &flakyStore{MemoryStore: store.NewMemoryStore()}
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	a, err := New(Config{
		Store:   records,
		Objects: objects,
		Orphans: orphans,
		Now:     func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	author, err := a.RegisterAuthor(context.Background(), AuthorDraft{Username: "machado", Name: "Machado de Assis", Email: "machado@example.com"})
	if err != nil {
		t.Fatalf("register author: %v", err)
	}
	return &fixture{app: a, objects: objects, store: records, author: author}
}

func pdfPayload(size int) domain.Payload {
	return domain.Payload{
		Filename:    "sample.pdf",
		ContentType: "application/pdf",
		Size:        int64(size),
		Body:        bytes.NewReader(bytes.Repeat([]byte{'p'}, size)),
	}
}

func pngPayload(size int) *domain.Payload {
	return &domain.Payload{
		Filename:    "cover.png",
		ContentType: "image/png",
		Size:        int64(size),
		Body:        bytes.NewReader(bytes.Repeat([]byte{'i'}, size)),
	}
}

func (f *fixture) draft(title string) BookDraft {
	return BookDraft{Title: title, AuthorID: f.author.ID, Language: "pt-BR"}
}

func (f *fixture) createBook(t *testing.T, title string, cover bool) domain.Book {
	t.Helper()
	var c *domain.Payload
	if cover {
		c = pngPayload(64)
	}
	book, err := f.app.CreateBook(context.Background(), f.draft(title), pdfPayload(128), c)
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return book
}

func (f *fixture) bookCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountBooks(context.Background())
	if err != nil {
		t.Fatalf("count books: %v", err)
	}
	return n
}
