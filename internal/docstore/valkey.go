package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// metaField and bodyField are the hash fields a document is split across, so a
// reader can fetch meta alone when only the small structured part is needed.
const (
	metaField = "meta"
	bodyField = "body"
)

// ValkeyStore implements Store by keeping each document as a Valkey hash with
// "meta" and "body" fields, and a set per prefix for List. Grounded on
// valkey.go's Connect pattern: the rest of RingForge already depends on
// redis/go-redis/v9 for the broker, so the document
// store reuses the same client rather than introducing a second storage
// dependency.
type ValkeyStore struct {
	rdb *redis.Client
}

// NewValkeyStore wraps an existing Valkey client.
func NewValkeyStore(rdb *redis.Client) *ValkeyStore {
	return &ValkeyStore{rdb: rdb}
}

func docKey(key string) string { return "doc:" + key }

// Put writes meta and body under key, with no TTL: expiry for offline-queue
// entries is computed lazily at read time by the caller, per spec §4.4.
func (s *ValkeyStore) Put(ctx context.Context, key string, meta, body []byte) error {
	if err := s.rdb.HSet(ctx, docKey(key), metaField, meta, bodyField, body).Err(); err != nil {
		return fmt.Errorf("put document %s: %w", key, err)
	}
	if err := s.rdb.SAdd(ctx, "doc-index", key).Err(); err != nil {
		return fmt.Errorf("index document %s: %w", key, err)
	}
	return nil
}

// Get fetches the document at key.
func (s *ValkeyStore) Get(ctx context.Context, key string) (*Document, error) {
	vals, err := s.rdb.HMGet(ctx, docKey(key), metaField, bodyField).Result()
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", key, err)
	}
	if vals[0] == nil && vals[1] == nil {
		return nil, ErrNotFound
	}
	meta, _ := vals[0].(string)
	body, _ := vals[1].(string)
	return &Document{Key: key, Meta: []byte(meta), Body: []byte(body)}, nil
}

// Delete removes the document at key.
func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, docKey(key)).Err(); err != nil {
		return fmt.Errorf("delete document %s: %w", key, err)
	}
	if err := s.rdb.SRem(ctx, "doc-index", key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unindex document %s: %w", key, err)
	}
	return nil
}

// List returns every stored key with the given prefix.
func (s *ValkeyStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, "doc-index").Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var matched []string
	for _, k := range keys {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			matched = append(matched, k)
		}
	}
	return matched, nil
}
