package vfsindex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_AddRoot_NotAbsolute(t *testing.T) {
	ctx := newTestContext(t)
	err := ctx.AddRoot("relative/path")
	assert.ErrorIs(t, err, ErrNotAbsolutePath)
}

func TestContext_AddRoot_EmptyDirectory(t *testing.T) {
	ctx := newTestContext(t)
	dir := t.TempDir()

	require.NoError(t, ctx.AddRoot(dir))
	assert.Empty(t, ctx.Index().AllFiles())
}

func TestContext_AddRoot_FlatDirectory(t *testing.T) {
	ctx := newTestContext(t)
	dir := t.TempDir()

	files := map[string]string{
		"a.txt": "helloworld",
		"b.bin": "xy",
		"c.dat": strings.Repeat("d", 100),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	require.NoError(t, ctx.AddRoot(dir))

	all := ctx.Index().AllFiles()
	require.Len(t, all, 3)
	for _, f := range all {
		assert.Nil(t, f.Parent())
		hash, ok := f.Hash()
		assert.True(t, ok)
		assert.NotEmpty(t, hash)

		_, ok = ctx.Index().ByRootPath(f.Name())
		assert.True(t, ok)
	}
}

func TestContext_AddRoot_Reuse(t *testing.T) {
	ctx := newTestContext(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	require.NoError(t, ctx.AddRoot(dir))
	first, ok := ctx.Index().ByRootPath(path)
	require.True(t, ok)

	require.NoError(t, ctx.AddRoot(dir))
	second, ok := ctx.Index().ByRootPath(path)
	require.True(t, ok)

	assert.Same(t, first, second)
}

func TestContext_AddRoot_RescanPicksUpChanges(t *testing.T) {
	ctx := newTestContext(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	require.NoError(t, ctx.AddRoot(dir))
	first, ok := ctx.Index().ByRootPath(path)
	require.True(t, ok)

	// Force a distinct mtime so the reuse gate can't mistake this for the
	// same content; most filesystems have coarser mtime resolution than a
	// single nanosecond sleep would reliably clear.
	newTime := time.Now().Add(time.Hour)
	require.NoError(t, os.WriteFile(path, []byte("goodbye!!"), 0o644))
	require.NoError(t, os.Chtimes(path, newTime, newTime))

	require.NoError(t, ctx.AddRoot(dir))
	second, ok := ctx.Index().ByRootPath(path)
	require.True(t, ok)

	assert.NotSame(t, first, second)
	firstHash, _ := first.Hash()
	secondHash, _ := second.Hash()
	assert.NotEqual(t, firstHash, secondHash)
}

func TestContext_CacheRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "pack.zip"), map[string]string{"inner/x.txt": "contents"})

	require.NoError(t, ctx.AddRoot(dir))

	cachePath := filepath.Join(t.TempDir(), "index.cache")
	require.NoError(t, ctx.WriteToFile(cachePath))

	other := newTestContext(t)
	require.NoError(t, other.IntegrateFromFile(cachePath))

	want := ctx.Index()
	got := other.Index()

	assert.Equal(t, len(want.byFullPath), len(got.byFullPath))
	assert.Equal(t, len(want.byHash), len(got.byHash))
	assert.Equal(t, len(want.byName), len(got.byName))
	assert.Equal(t, len(want.byRootPath), len(got.byRootPath))

	for hash, nodes := range want.byHash {
		assert.Len(t, got.byHash[hash], len(nodes))
	}
}

func TestContext_CacheRejectsBadMagic(t *testing.T) {
	ctx := newTestContext(t)
	path := filepath.Join(t.TempDir(), "bad.cache")
	require.NoError(t, os.WriteFile(path, []byte("NOT THE RIGHT MAGIC"), 0o644))

	err := ctx.IntegrateFromFile(path)
	assert.ErrorIs(t, err, ErrBadCacheFormat)
}

func TestContext_AddKnown_CollisionRejected(t *testing.T) {
	ctx := newTestContext(t)
	require.NoError(t, ctx.AddKnown([]KnownFile{{PathParts: []string{"pack.zip", "a.txt"}, Hash: "hash-a"}}))

	err := ctx.AddKnown([]KnownFile{{PathParts: []string{"pack.zip", "b.txt"}, Hash: "different-root-hash"}})
	assert.ErrorIs(t, err, ErrKnownFileCollision)
}

func TestContext_BackfillMissing(t *testing.T) {
	ctx := newTestContext(t)
	require.NoError(t, ctx.AddKnown([]KnownFile{
		{PathParts: []string{"pack.zip", "inner", "x.txt"}, Hash: "x-hash"},
		{PathParts: []string{"pack.zip", "inner", "y.txt"}, Hash: "y-hash"},
	}))

	require.NoError(t, ctx.BackfillMissing())

	root, ok := ctx.Index().ByRootPath("pack.zip")
	require.True(t, ok)
	_, hasHash := root.Hash()
	assert.False(t, hasHash, "synthesized non-leaf nodes must not carry a hash")

	xHashed := ctx.Index().ByHash("x-hash")
	require.Len(t, xHashed, 1)
	assert.Equal(t, "x.txt", xHashed[0].Name())
}
