// Package memory provides an in-memory layaway.DocumentStore (for testing/dev).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ariyofashion/layaway/layaway"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*entry
	seq         int64
}

type entry struct {
	data    []byte
	version int64
	seq     int64 // insertion order
}

func New() *Store {
	return &Store{collections: make(map[string]map[string]*entry)}
}

func (s *Store) Get(_ context.Context, collection, id string) (layaway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.collections[collection][id]
	if !ok {
		return layaway.Document{}, layaway.ErrDocumentNotFound
	}
	return toDocument(collection, id, e), nil
}

func (s *Store) List(_ context.Context, collection string) ([]layaway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(collection, func([]byte) bool { return true }), nil
}

// Query decodes each document and compares the value at a dot path.
// Only string fields match; numbers and objects never equal value.
func (s *Store) Query(_ context.Context, collection, path, value string) ([]layaway.Document, error) {
	if path == "" {
		return nil, fmt.Errorf("memory: empty query path")
	}
	parts := strings.Split(path, ".")

	s.mu.RLock()
	defer s.mu.RUnlock()

	var decodeErr error
	docs := s.filterLocked(collection, func(data []byte) bool {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			decodeErr = err
			return false
		}
		got, ok := lookup(doc, parts).(string)
		return ok && got == value
	})
	if decodeErr != nil {
		return nil, fmt.Errorf("memory: decode document: %w", decodeErr)
	}
	return docs, nil
}

// Commit applies writes atomically: every precondition is checked before
// anything is written.
func (s *Store) Commit(_ context.Context, writes []layaway.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check all preconditions first (atomic check)
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		k := w.Collection + "/" + w.ID
		if seen[k] {
			return fmt.Errorf("memory: document %s written twice in one commit", k)
		}
		seen[k] = true

		current, exists := s.collections[w.Collection][w.ID]
		switch w.Op {
		case layaway.WriteCreate:
			if exists {
				return layaway.ErrDocumentExists
			}
		case layaway.WriteReplace:
			if !exists {
				return layaway.ErrDocumentNotFound
			}
			if current.version != w.Version {
				return layaway.ErrVersionConflict
			}
		default:
			return fmt.Errorf("memory: unknown write op %q", w.Op)
		}
	}

	// Apply all (atomic write)
	for _, w := range writes {
		data := append([]byte(nil), w.Data...)
		coll := s.collections[w.Collection]
		if coll == nil {
			coll = make(map[string]*entry)
			s.collections[w.Collection] = coll
		}
		if w.Op == layaway.WriteCreate {
			s.seq++
			coll[w.ID] = &entry{data: data, version: 1, seq: s.seq}
			continue
		}
		e := coll[w.ID]
		e.data = data
		e.version++
	}
	return nil
}

func (s *Store) filterLocked(collection string, keep func([]byte) bool) []layaway.Document {
	coll := s.collections[collection]
	ordered := make([]string, 0, len(coll))
	for id := range coll {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return coll[ordered[i]].seq < coll[ordered[j]].seq
	})

	docs := make([]layaway.Document, 0, len(ordered))
	for _, id := range ordered {
		e := coll[id]
		if keep(e.data) {
			docs = append(docs, toDocument(collection, id, e))
		}
	}
	return docs
}

func toDocument(collection, id string, e *entry) layaway.Document {
	return layaway.Document{
		Collection: collection,
		ID:         id,
		Data:       append([]byte(nil), e.data...),
		Version:    e.version,
	}
}

func lookup(doc map[string]any, parts []string) any {
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}
