package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ringforge/hub/internal/docstore"
	"github.com/ringforge/hub/internal/presence"
	"github.com/rs/zerolog"
)

func TestMemoryPrivateScopeRoundTrips(t *testing.T) {
	t.Parallel()

	docs := newFakeDocs()
	r := New(newTestBroker(t), &fakeBus{}, presence.New(nil), docs, nil, zerolog.Nop())

	value := json.RawMessage(`{"progress":0.5}`)
	if err := r.MemoryPut(context.Background(), "fleet-1", "a1", "scratch", value, MemoryScopePrivate); err != nil {
		t.Fatalf("MemoryPut() error = %v", err)
	}

	got, err := r.MemoryGet(context.Background(), "fleet-1", "a1", "scratch", MemoryScopePrivate)
	if err != nil {
		t.Fatalf("MemoryGet() error = %v", err)
	}
	if string(got) != string(value) {
		t.Errorf("MemoryGet() = %s, want %s", got, value)
	}
}

func TestMemoryPrivateScopeIsolatedPerAgent(t *testing.T) {
	t.Parallel()

	docs := newFakeDocs()
	r := New(newTestBroker(t), &fakeBus{}, presence.New(nil), docs, nil, zerolog.Nop())

	_ = r.MemoryPut(context.Background(), "fleet-1", "a1", "scratch", json.RawMessage(`1`), MemoryScopePrivate)

	if _, err := r.MemoryGet(context.Background(), "fleet-1", "a2", "scratch", MemoryScopePrivate); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("MemoryGet() for a different agent error = %v, want ErrNotFound", err)
	}
}

func TestMemorySharedScopeBroadcastsChange(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	docs := newFakeDocs()
	r := New(b, &fakeBus{}, presence.New(nil), docs, nil, zerolog.Nop())

	ch, unsubscribe := b.Subscribe(memoryAllTopic("fleet-1"))
	defer unsubscribe()
	time.Sleep(20 * time.Millisecond)

	value := json.RawMessage(`{"state":"ready"}`)
	if err := r.MemoryPut(context.Background(), "fleet-1", "a1", "status", value, MemoryScopeShared); err != nil {
		t.Fatalf("MemoryPut() error = %v", err)
	}

	select {
	case msg := <-ch:
		var evt memoryChangedEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Kind != "memory:changed" || evt.Key != "status" {
			t.Errorf("evt = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for memory:changed broadcast")
	}

	got, err := r.MemoryGet(context.Background(), "fleet-1", "a2", "status", MemoryScopeShared)
	if err != nil {
		t.Fatalf("MemoryGet() from a different agent error = %v", err)
	}
	if string(got) != string(value) {
		t.Errorf("MemoryGet() = %s, want %s", got, value)
	}
}

func TestMemorySharedDeleteBroadcastsNilValue(t *testing.T) {
	t.Parallel()

	docs := newFakeDocs()
	r := New(newTestBroker(t), &fakeBus{}, presence.New(nil), docs, nil, zerolog.Nop())

	_ = r.MemoryPut(context.Background(), "fleet-1", "a1", "status", json.RawMessage(`1`), MemoryScopeShared)
	if err := r.MemoryDelete(context.Background(), "fleet-1", "a1", "status", MemoryScopeShared); err != nil {
		t.Fatalf("MemoryDelete() error = %v", err)
	}

	if _, err := r.MemoryGet(context.Background(), "fleet-1", "a1", "status", MemoryScopeShared); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("MemoryGet() after delete error = %v, want ErrNotFound", err)
	}
}
