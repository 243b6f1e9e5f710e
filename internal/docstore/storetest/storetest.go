// Package storetest is a conformance suite run against every docstore
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalmind/roomchat/internal/docstore"
)

// Factory returns an empty store. prefix is a unique top-level collection
// name the test may write under; the factory should clean it up.
type Factory func(t *testing.T, prefix string) docstore.Store

// Run executes the suite. Capability tests are skipped when the store does
// not implement docstore.Incrementer or docstore.Lister.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetSetUpdateRemove", func(t *testing.T) { testCRUD(t, newStore(t, "test_crud")) })
	t.Run("ServerTimestamp", func(t *testing.T) { testServerTimestamp(t, newStore(t, "test_ts")) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, newStore(t, "test_incr")) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, newStore(t, "test_cincr")) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t, "test_list")) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore(t, "test_sub")) })
}

func testCRUD(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	path := "test_crud/r1"

	_, err := s.Get(ctx, path)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, path, docstore.Doc{"name": "Contracts", "members": 1}))
	doc, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "Contracts", doc.String("name"))
	assert.Equal(t, int64(1), doc.Int("members"))

	require.NoError(t, s.Update(ctx, path, docstore.Doc{"members": 3}))
	doc, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Int("members"))
	assert.Equal(t, "Contracts", doc.String("name"))

	// Set replaces the whole document.
	require.NoError(t, s.Set(ctx, path, docstore.Doc{"name": "Torts"}))
	doc, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Int("members"))

	require.ErrorIs(t, s.Update(ctx, "test_crud/missing", docstore.Doc{"x": 1}), docstore.ErrNotFound)

	require.NoError(t, s.Remove(ctx, path))
	require.NoError(t, s.Remove(ctx, path))
	_, err = s.Get(ctx, path)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	// An empty document still exists.
	require.NoError(t, s.Set(ctx, "test_crud/empty", docstore.Doc{}))
	_, err = s.Get(ctx, "test_crud/empty")
	require.NoError(t, err)
}

func testServerTimestamp(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	before := time.Now().Add(-time.Minute)

	require.NoError(t, s.Set(ctx, "test_ts/r1", docstore.Doc{"createdAt": docstore.ServerTimestamp}))
	doc, err := s.Get(ctx, "test_ts/r1")
	require.NoError(t, err)

	got := doc.Time("createdAt")
	assert.True(t, got.After(before), "server timestamp %v should be recent", got)
	assert.True(t, got.Before(time.Now().Add(time.Minute)), "server timestamp %v should be recent", got)
}

func testIncrement(t *testing.T, s docstore.Store) {
	inc, ok := s.(docstore.Incrementer)
	if !ok {
		t.Skip("store does not implement Incrementer")
	}
	ctx := context.Background()

	_, err := inc.Increment(ctx, "test_incr/missing", "members", 1)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, "test_incr/r1", docstore.Doc{"name": "x"}))
	n, err := inc.Increment(ctx, "test_incr/r1", "members", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = inc.Increment(ctx, "test_incr/r1", "members", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "counter must be floored at zero")

	doc, err := s.Get(ctx, "test_incr/r1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Int("members"))
	assert.Equal(t, "x", doc.String("name"))
}

func testConcurrentIncrement(t *testing.T, s docstore.Store) {
	inc, ok := s.(docstore.Incrementer)
	if !ok {
		t.Skip("store does not implement Incrementer")
	}
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "test_cincr/r1", docstore.Doc{"members": 0}))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inc.Increment(ctx, "test_cincr/r1", "members", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.Get(ctx, "test_cincr/r1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), doc.Int("members"))
}

func testList(t *testing.T, s docstore.Store) {
	l, ok := s.(docstore.Lister)
	if !ok {
		t.Skip("store does not implement Lister")
	}
	ctx := context.Background()

	for _, key := range []string{"u2", "u1", "u3"} {
		require.NoError(t, s.Set(ctx, "test_list/r1/"+key, docstore.Doc{"userId": key}))
	}
	require.NoError(t, s.Set(ctx, "test_list/r2/u9", docstore.Doc{"userId": "u9"}))
	require.NoError(t, s.Remove(ctx, "test_list/r1/u3"))

	keys, err := l.List(ctx, "test_list/r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, keys)

	keys, err = l.List(ctx, "test_list/none")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testSubscribe(t *testing.T, s docstore.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "test_sub/r1")
	require.NoError(t, err)

	bg := context.Background()
	require.NoError(t, s.Set(bg, "test_sub/r2/u1", docstore.Doc{"userId": "u1"}))
	require.NoError(t, s.Set(bg, "test_sub/r1/u1", docstore.Doc{"userId": "u1"}))
	require.NoError(t, s.Remove(bg, "test_sub/r1/u1"))

	next := func() docstore.Change {
		t.Helper()
		select {
		case c, ok := <-ch:
			require.True(t, ok, "subscription closed early")
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a change")
			return docstore.Change{}
		}
	}

	c := next()
	assert.Equal(t, "test_sub/r1/u1", c.Path)
	assert.False(t, c.Removed)
	assert.Equal(t, "u1", c.Doc.String("userId"))

	c = next()
	assert.Equal(t, "test_sub/r1/u1", c.Path)
	assert.True(t, c.Removed)
}
