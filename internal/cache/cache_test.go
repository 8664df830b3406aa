package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func openTest(t *testing.T) (*Store, *clock) {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "nested", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, c
}

func entry(key, stage string) Entry {
	return Entry{
		Key:       key,
		Stage:     stage,
		Digest:    "sha256:blob-" + key,
		DiffID:    "sha256:diff-" + key,
		ChainID:   "sha256:chain-" + key,
		MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
		Size:      1024,
	}
}

func TestLookupMiss(t *testing.T) {
	s, _ := openTest(t)

	_, ok, err := s.Lookup(context.Background(), "sha256:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAndLookup(t *testing.T) {
	s, c := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("k1", "system")))

	c.advance(time.Hour)
	got, ok, err := s.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "system", got.Stage)
	assert.Equal(t, "sha256:blob-k1", got.Digest)
	assert.Equal(t, "sha256:diff-k1", got.DiffID)
	assert.Equal(t, "sha256:chain-k1", got.ChainID)
	assert.Equal(t, int64(1024), got.Size)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), got.CreatedAt)
	assert.Equal(t, time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC), got.UsedAt)
}

func TestStoreReplaces(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("k1", "copy")))
	e := entry("k1", "copy")
	e.Digest = "sha256:other"
	require.NoError(t, s.Store(ctx, e))

	got, ok, err := s.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sha256:other", got.Digest)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStoreRejectsIncompleteEntry(t *testing.T) {
	s, _ := openTest(t)

	err := s.Store(context.Background(), Entry{Key: "k1"})
	assert.ErrorIs(t, err, ErrCache)
}

func TestListOrdersByUse(t *testing.T) {
	s, c := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("a", "system")))
	c.advance(time.Minute)
	require.NoError(t, s.Store(ctx, entry("b", "workdir")))
	c.advance(time.Minute)
	_, _, err := s.Lookup(ctx, "a")
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, "b", list[1].Key)
}

func TestPrune(t *testing.T) {
	s, c := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("old", "system")))
	c.advance(48 * time.Hour)
	require.NoError(t, s.Store(ctx, entry("new", "copy")))
	c.advance(time.Hour)

	pruned, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, "old", pruned[0].Key)

	_, ok, err := s.Lookup(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Lookup(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPruneAll(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("a", "system")))
	require.NoError(t, s.Store(ctx, entry("b", "copy")))

	pruned, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pruned, 2)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestDelete(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("a", "system")))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	_, ok, err := s.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, entry("a", "system")))
	require.NoError(t, s.Store(ctx, entry("b", "copy")))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, int64(2048), st.Bytes)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, entry("a", "system")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, s.Path())
}
