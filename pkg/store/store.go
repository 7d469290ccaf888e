// Package store is the document store shared by the approval gate and the
// plan engine. Documents are markdown files grouped into collections
// (folders) under a single vault root.
//
// Invariants:
// - Readers never observe a partially written document; every write goes to a
//   temp file in the same folder and is renamed into place.
// - Writes to one document are sequenced. Different documents do not contend.
// - Reads are never cached. A human may rewrite a document between two reads.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by Create and Move when the target id is taken.
	ErrExists = errors.New("document already exists")
)

// Store is the minimal contract the core needs from the document store.
type Store interface {
	// Create publishes a new document. It fails with ErrExists if id is taken.
	Create(ctx context.Context, collection, id string, data []byte) error
	// Get reads the current content of a document.
	Get(ctx context.Context, collection, id string) ([]byte, error)
	// Replace atomically overwrites a whole document, creating it if absent.
	Replace(ctx context.Context, collection, id string, data []byte) error
	// List returns the ids in a collection, sorted.
	List(ctx context.Context, collection string) ([]string, error)
	// Move relocates a document to another collection under newID.
	Move(ctx context.Context, from, id, to, newID string) error
}
