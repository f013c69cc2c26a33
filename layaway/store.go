/*
store.go - Persistence contract for layaway documents

PURPOSE:
  Defines the interface between the ledger engine and the document database.
  Documents are opaque JSON blobs keyed by (collection, id), each with a
  store-managed version used for optimistic concurrency.

OPERATIONS:
  Get:    point lookup by id
  List:   every document in a collection (admin listing)
  Query:  equality filter on a dot-separated JSON field path
          e.g. Query(ctx, "layaways", "customer.phone", "0801...")
  Commit: atomic batch of writes - all succeed or none do

WRITES:
  WriteCreate:  fails with ErrDocumentExists if the id is taken
  WriteReplace: fails with ErrVersionConflict unless the stored version
                equals Write.Version; bumps the version on success

  A plan payment is a single Commit of [Replace plan @v, Create ref claim].
  Two payments racing on the same plan cannot both commit at version v.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite (json_extract for queries)
  - store/memory: In-memory for testing/dev

SEE ALSO:
  - engine.go: Read-modify-commit loop
*/
package layaway

import (
	"context"
	"errors"
)

var (
	// ErrDocumentNotFound is returned when (collection, id) does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists is returned when creating a document whose id is taken.
	ErrDocumentExists = errors.New("document already exists")

	// ErrVersionConflict is returned when a replace targets a stale version.
	ErrVersionConflict = errors.New("document version conflict")
)

// Document is a stored JSON record.
type Document struct {
	Collection string
	ID         string
	Data       []byte
	Version    int64
}

type WriteOp string

const (
	WriteCreate  WriteOp = "create"
	WriteReplace WriteOp = "replace"
)

// Write is one element of an atomic Commit.
type Write struct {
	Op         WriteOp
	Collection string
	ID         string
	Data       []byte
	Version    int64 // expected current version, WriteReplace only
}

// DocumentStore handles persistence of keyed JSON documents.
type DocumentStore interface {
	// Get returns the document or ErrDocumentNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// List returns all documents in a collection in insertion order.
	List(ctx context.Context, collection string) ([]Document, error)

	// Query returns documents whose JSON field at path equals value.
	Query(ctx context.Context, collection, path, value string) ([]Document, error)

	// Commit applies all writes atomically.
	Commit(ctx context.Context, writes []Write) error
}
