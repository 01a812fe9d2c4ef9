// Package ledger records storage residue left behind by failed compensation or
// best-effort cleanup so operators can audit it. Nothing here acts on entries.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry describes one object that may be orphaned.
type Entry struct {
	ObjectKey string    `json:"objectKey"`
	BookID    string    `json:"bookId,omitempty"`
	Operation string    `json:"operation"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Ledger stores orphan entries.
type Ledger interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

const defaultMaxEntries = 10000

// RedisLedger keeps entries in a sorted set scored by time, capped at maxEntries.
type RedisLedger struct {
	client     *redis.Client
	key        string
	maxEntries int64
}

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(addr, password, key string) (*RedisLedger, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("orphan ledger redis addr is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "catalog:orphans"
	}
	return &RedisLedger{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		key:        key,
		maxEntries: defaultMaxEntries,
	}, nil
}

func (l *RedisLedger) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode orphan entry: %w", err)
	}
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, l.key, redis.Z{Score: float64(e.At.UnixMilli()), Member: data})
	pipe.ZRemRangeByRank(ctx, l.key, 0, -l.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record orphan: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (l *RedisLedger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := l.client.ZRevRange(ctx, l.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	out := make([]Entry, 0, len(members))
	for _, raw := range members {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the Redis client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
