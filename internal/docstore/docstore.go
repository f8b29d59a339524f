// Package docstore implements the document-store collaborator named in spec
// §6: a content-addressed key→bytes store exposing put/get/delete/list,
// backing the offline direct-message queue (`dmq:…`) and shared memory keys
// (`mem:…`, `smem:…`). The core treats it as an external collaborator; this
// package provides both a Valkey-backed implementation (grounded on
// valkey.go's Connect pattern, reusing the broker's Redis dependency) and a
// length-prefixed binary client (protocol.go) for talking to an
// out-of-process store over the wire format spec §6 describes.
package docstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no document.
var ErrNotFound = errors.New("docstore: not found")

// Document is one stored record: small structured metadata plus an opaque body.
type Document struct {
	Key  string
	Meta []byte
	Body []byte
}

// Store is the contract every backend satisfies.
type Store interface {
	Put(ctx context.Context, key string, meta, body []byte) error
	Get(ctx context.Context, key string) (*Document, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
