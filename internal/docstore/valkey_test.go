package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestValkeyStorePutThenGet(t *testing.T) {
	t.Parallel()

	s := NewValkeyStore(newTestRedis(t))
	ctx := context.Background()

	if err := s.Put(ctx, "dmq:f1:a2:msg_1", []byte(`{"priority":"high"}`), []byte(`{"body":"hi"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	doc, err := s.Get(ctx, "dmq:f1:a2:msg_1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(doc.Meta) != `{"priority":"high"}` || string(doc.Body) != `{"body":"hi"}` {
		t.Errorf("doc = %+v, want matching meta/body", doc)
	}
}

func TestValkeyStoreGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := NewValkeyStore(newTestRedis(t))
	if _, err := s.Get(context.Background(), "dmq:f1:a2:nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestValkeyStoreDeleteRemovesDocument(t *testing.T) {
	t.Parallel()

	s := NewValkeyStore(newTestRedis(t))
	ctx := context.Background()
	_ = s.Put(ctx, "dmq:f1:a2:msg_1", []byte("m"), []byte("b"))

	if err := s.Delete(ctx, "dmq:f1:a2:msg_1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "dmq:f1:a2:msg_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestValkeyStoreListFiltersByPrefix(t *testing.T) {
	t.Parallel()

	s := NewValkeyStore(newTestRedis(t))
	ctx := context.Background()
	_ = s.Put(ctx, "dmq:f1:a2:msg_1", nil, nil)
	_ = s.Put(ctx, "dmq:f1:a2:msg_2", nil, nil)
	_ = s.Put(ctx, "mem:f1:shared", nil, nil)

	keys, err := s.List(ctx, "dmq:f1:a2:")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List() = %v, want 2 matching keys", keys)
	}
}
