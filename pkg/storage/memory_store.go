package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"librarycatalog/pkg/domain"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in-process. It backs tests and local runs without MinIO.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
}

// NewMemoryStore initializes an empty in-memory bucket.
func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "catalog"
	}
	return &MemoryStore{bucket: bucket, objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) EnsureBucket(context.Context) error { return nil }

// Put reads exactly p.Size bytes. A stream that is shorter or longer than
// declared is rejected and nothing is stored.
func (m *MemoryStore) Put(ctx context.Context, prefix string, p domain.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object: %w: %w", domain.ErrStorage, err)
	}
	if p.Body == nil {
		return "", fmt.Errorf("put object: %w: empty body", domain.ErrStorage)
	}
	data, err := io.ReadAll(io.LimitReader(p.Body, p.Size+1))
	if err != nil {
		return "", fmt.Errorf("put object: %w: %w", domain.ErrStorage, err)
	}
	if int64(len(data)) != p.Size {
		return "", fmt.Errorf("put object: %w: declared %d bytes, read %d", domain.ErrStorage, p.Size, len(data))
	}
	key := NewKey(prefix, p)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: p.MediaType()}
	return key, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, domain.ErrNotFound)
	}
	return &Object{
		Key:         key,
		Body:        io.NopCloser(bytes.NewReader(obj.data)),
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
	}, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Host: m.bucket, Path: "/" + key}
	q := u.Query()
	q.Set("expires", fmt.Sprint(time.Now().Add(expiry).Unix()))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Keys lists stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is stored.
func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
