// Package storetest holds the behavior every layaway.DocumentStore must share.
// Store packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyofashion/layaway/layaway"
)

// Run exercises newStore against the DocumentStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) layaway.DocumentStore) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateExisting", func(t *testing.T) { testCreateExisting(t, newStore(t)) })
	t.Run("ReplaceVersioned", func(t *testing.T) { testReplaceVersioned(t, newStore(t)) })
	t.Run("ReplaceMissing", func(t *testing.T) { testReplaceMissing(t, newStore(t)) })
	t.Run("CommitIsAtomic", func(t *testing.T) { testCommitIsAtomic(t, newStore(t)) })
	t.Run("ListInsertionOrder", func(t *testing.T) { testListInsertionOrder(t, newStore(t)) })
	t.Run("QueryNestedField", func(t *testing.T) { testQueryNestedField(t, newStore(t)) })
	t.Run("ConcurrentReplace", func(t *testing.T) { testConcurrentReplace(t, newStore(t)) })
}

func create(coll, id, data string) layaway.Write {
	return layaway.Write{Op: layaway.WriteCreate, Collection: coll, ID: id, Data: []byte(data)}
}

func replace(coll, id, data string, version int64) layaway.Write {
	return layaway.Write{Op: layaway.WriteReplace, Collection: coll, ID: id, Data: []byte(data), Version: version}
}

func testGetMissing(t *testing.T, s layaway.DocumentStore) {
	_, err := s.Get(context.Background(), "layaways", "nope")
	assert.ErrorIs(t, err, layaway.ErrDocumentNotFound)

	docs, err := s.List(context.Background(), "layaways")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testCreateAndGet(t *testing.T, s layaway.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []layaway.Write{create("layaways", "p1", `{"status":"active"}`)}))

	doc, err := s.Get(ctx, "layaways", "p1")
	require.NoError(t, err)
	assert.Equal(t, "layaways", doc.Collection)
	assert.Equal(t, "p1", doc.ID)
	assert.Equal(t, int64(1), doc.Version)
	assert.JSONEq(t, `{"status":"active"}`, string(doc.Data))

	// Same id in another collection is a different document
	_, err = s.Get(ctx, "payment_refs", "p1")
	assert.ErrorIs(t, err, layaway.ErrDocumentNotFound)
}

func testCreateExisting(t *testing.T, s layaway.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []layaway.Write{create("payment_refs", "flw-1", `{"planId":"p1"}`)}))

	err := s.Commit(ctx, []layaway.Write{create("payment_refs", "flw-1", `{"planId":"p2"}`)})

	assert.ErrorIs(t, err, layaway.ErrDocumentExists)
	doc, _ := s.Get(ctx, "payment_refs", "flw-1")
	assert.JSONEq(t, `{"planId":"p1"}`, string(doc.Data))
}

func testReplaceVersioned(t *testing.T, s layaway.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []layaway.Write{create("layaways", "p1", `{"n":1}`)}))

	require.NoError(t, s.Commit(ctx, []layaway.Write{replace("layaways", "p1", `{"n":2}`, 1)}))
	doc, err := s.Get(ctx, "layaways", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.JSONEq(t, `{"n":2}`, string(doc.Data))

	// Stale version loses
	err = s.Commit(ctx, []layaway.Write{replace("layaways", "p1", `{"n":3}`, 1)})
	assert.ErrorIs(t, err, layaway.ErrVersionConflict)
	doc, _ = s.Get(ctx, "layaways", "p1")
	assert.JSONEq(t, `{"n":2}`, string(doc.Data))
}

func testReplaceMissing(t *testing.T, s layaway.DocumentStore) {
	err := s.Commit(context.Background(), []layaway.Write{replace("layaways", "ghost", `{}`, 1)})
	assert.ErrorIs(t, err, layaway.ErrDocumentNotFound)
}

func testCommitIsAtomic(t *testing.T, s layaway.DocumentStore) {
	// GIVEN: A plan and a claimed reference
	// WHEN: A commit replaces the plan and re-claims the same reference
	// THEN: The commit fails and the plan is unchanged

	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []layaway.Write{
		create("layaways", "p1", `{"paid":1}`),
		create("payment_refs", "flw-1", `{"planId":"p1"}`),
	}))

	err := s.Commit(ctx, []layaway.Write{
		replace("layaways", "p1", `{"paid":2}`, 1),
		create("payment_refs", "flw-1", `{"planId":"p1"}`),
	})

	assert.ErrorIs(t, err, layaway.ErrDocumentExists)
	doc, err := s.Get(ctx, "layaways", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.JSONEq(t, `{"paid":1}`, string(doc.Data))
}

func testListInsertionOrder(t *testing.T, s layaway.DocumentStore) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Commit(ctx, []layaway.Write{create("layaways", id, `{}`)}))
	}
	require.NoError(t, s.Commit(ctx, []layaway.Write{replace("layaways", "c", `{"x":1}`, 1)}))

	docs, err := s.List(ctx, "layaways")
	require.NoError(t, err)
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func testQueryNestedField(t *testing.T, s layaway.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []layaway.Write{
		create("layaways", "p1", `{"status":"active","customer":{"phone":"0803","email":"ada@example.com"}}`),
		create("layaways", "p2", `{"status":"completed","customer":{"phone":"0805","email":"ada@example.com"}}`),
		create("layaways", "p3", `{"status":"active","customer":{"phone":"0803","email":"bola@example.com"}}`),
		create("payment_refs", "r1", `{"customer":{"phone":"0803"}}`),
	}))

	tests := []struct {
		path, value string
		want        []string
	}{
		{"customer.phone", "0803", []string{"p1", "p3"}},
		{"customer.email", "ada@example.com", []string{"p1", "p2"}},
		{"status", "completed", []string{"p2"}},
		{"customer.phone", "0000", nil},
		{"customer.missing", "0803", nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s=%s", tt.path, tt.value), func(t *testing.T) {
			docs, err := s.Query(ctx, "layaways", tt.path, tt.value)
			require.NoError(t, err)
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func testConcurrentReplace(t *testing.T, s layaway.DocumentStore) {
	// GIVEN: 8 writers holding the same version
	// THEN: Exactly one replace wins

	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, []layaway.Write{create("layaways", "p1", `{}`)}))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Commit(ctx, []layaway.Write{replace("layaways", "p1", fmt.Sprintf(`{"w":%d}`, i), 1)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, layaway.ErrVersionConflict):
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflict)
}
