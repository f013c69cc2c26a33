/*
Package sqlite provides a SQLite-backed implementation of layaway.DocumentStore.

PURPOSE:
  Stores layaway plans and payment reference claims as JSON documents in a
  single table keyed by (collection, id). Nested-field lookups such as
  customer.phone use SQLite's JSON functions, with expression indexes on
  the hot lookup paths.

KEY TABLE:
  documents: collection, id, data (JSON), version, created_at, updated_at

OPTIMISTIC CONCURRENCY:
  Every document carries a version, starting at 1. A replace is
  UPDATE ... WHERE version = <expected>; zero affected rows means another
  writer got there first and the commit fails with ErrVersionConflict.

ATOMIC COMMITS:
  Commit() runs all writes in one SQL transaction. When a payment is
  applied, the plan update and the payment reference claim either both
  land or neither does.

CONCURRENCY:
  Uses sync.RWMutex plus a single open connection. SQLite allows one
  writer at a time anyway, and ":memory:" databases are per-connection.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/layaway.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := layaway.NewEngine(store, verifier)

SEE ALSO:
  - layaway/store.go: Interface definition
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ariyofashion/layaway/layaway"
)

// Store implements layaway.DocumentStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	-- Customer lookups (hot path for the layaway search page)
	CREATE INDEX IF NOT EXISTS idx_documents_customer_phone
		ON documents(collection, json_extract(data, '$.customer.phone'));
	CREATE INDEX IF NOT EXISTS idx_documents_customer_email
		ON documents(collection, json_extract(data, '$.customer.email'));

	-- Admin listing by status
	CREATE INDEX IF NOT EXISTS idx_documents_status
		ON documents(collection, json_extract(data, '$.status'));
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

// Get returns a single document.
func (s *Store) Get(ctx context.Context, collection, id string) (layaway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return layaway.Document{}, layaway.ErrDocumentNotFound
	}
	if err != nil {
		return layaway.Document{}, fmt.Errorf("failed to get document: %w", err)
	}

	return layaway.Document{Collection: collection, ID: id, Data: []byte(data), Version: version}, nil
}

// List returns all documents in a collection in insertion order.
func (s *Store) List(ctx context.Context, collection string) ([]layaway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, data, version
		FROM documents
		WHERE collection = ?
		ORDER BY rowid ASC
	`
	return s.queryDocuments(ctx, collection, query, collection)
}

var fieldPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Query returns documents whose JSON field at path equals value.
// The path is validated and inlined so the expression indexes apply.
func (s *Store) Query(ctx context.Context, collection, path, value string) ([]layaway.Document, error) {
	if !fieldPath.MatchString(path) {
		return nil, fmt.Errorf("invalid query path %q", path)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT id, data, version
		FROM documents
		WHERE collection = ? AND json_extract(data, '$.%s') = ?
		ORDER BY rowid ASC
	`, path)
	return s.queryDocuments(ctx, collection, query, collection, value)
}

func (s *Store) queryDocuments(ctx context.Context, collection, query string, args ...any) ([]layaway.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []layaway.Document{}
	for rows.Next() {
		var (
			doc  = layaway.Document{Collection: collection}
			data string
		)
		if err := rows.Scan(&doc.ID, &data, &doc.Version); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = []byte(data)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

// Commit applies all writes in one transaction.
func (s *Store) Commit(ctx context.Context, writes []layaway.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, w := range writes {
		switch w.Op {
		case layaway.WriteCreate:
			err = s.create(ctx, sqlTx, w, now)
		case layaway.WriteReplace:
			err = s.replace(ctx, sqlTx, w, now)
		default:
			err = fmt.Errorf("unknown write op %q", w.Op)
		}
		if err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func (s *Store) create(ctx context.Context, tx *sql.Tx, w layaway.Write, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, w.Collection, w.ID, string(w.Data), now, now)
	if isUniqueConstraintError(err) {
		return layaway.ErrDocumentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create document %s/%s: %w", w.Collection, w.ID, err)
	}
	return nil
}

func (s *Store) replace(ctx context.Context, tx *sql.Tx, w layaway.Write, now string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET data = ?, version = version + 1, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?
	`, string(w.Data), now, w.Collection, w.ID, w.Version)
	if err != nil {
		return fmt.Errorf("failed to replace document %s/%s: %w", w.Collection, w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to replace document %s/%s: %w", w.Collection, w.ID, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ?`, w.Collection, w.ID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return layaway.ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check document %s/%s: %w", w.Collection, w.ID, err)
	}
	return layaway.ErrVersionConflict
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
