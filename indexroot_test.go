package vfsindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafFile(ctx *Context, name, hash string, size int64) *VirtualFile {
	return &VirtualFile{name: name, ctx: ctx, hash: hash, hasHash: true, size: size}
}

func TestIndexRoot_IntegrationIdempotence(t *testing.T) {
	ctx := newTestContext(t)
	roots := []*VirtualFile{
		leafFile(ctx, "/a.txt", "h1", 10),
		leafFile(ctx, "/b.txt", "h2", 20),
	}

	once := emptyIndexRoot().Integrate(roots)
	twice := once.Integrate(roots)

	assert.ElementsMatch(t, names(once.AllFiles()), names(twice.AllFiles()))
	assert.Equal(t, len(once.byFullPath), len(twice.byFullPath))
}

func TestIndexRoot_LastWriteWins(t *testing.T) {
	ctx := newTestContext(t)
	first := leafFile(ctx, "/a.txt", "h1", 10)
	second := leafFile(ctx, "/a.txt", "h2", 99)

	ix := emptyIndexRoot().Integrate([]*VirtualFile{first})
	ix = ix.Integrate([]*VirtualFile{second})

	got, ok := ix.ByRootPath("/a.txt")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestIndexRoot_Coherence(t *testing.T) {
	ctx := newTestContext(t)
	root := leafFile(ctx, "/archive.zip", "archive-hash", 100)
	child := &VirtualFile{name: "inner/x.txt", parent: root, ctx: ctx, hash: "child-hash", hasHash: true, size: 5}
	root.children = append(root.children, child)

	ix := emptyIndexRoot().Integrate([]*VirtualFile{root})

	for _, node := range root.ThisAndAllChildren() {
		got, ok := ix.ByFullPath(node.FullPath())
		require.True(t, ok, "expected %s in by_full_path", node.FullPath())
		assert.Same(t, node, got)
	}
}

func TestIndexRoot_HashCollisionStacks(t *testing.T) {
	ctx := newTestContext(t)
	a := leafFile(ctx, "/a.txt", "shared-hash", 10)
	b := leafFile(ctx, "/b.txt", "shared-hash", 10)
	c := leafFile(ctx, "/c.txt", "other-hash", 20)

	ix := emptyIndexRoot().Integrate([]*VirtualFile{a, b, c})

	assert.Len(t, ix.ByHash("shared-hash"), 2)
	assert.Len(t, ix.ByHash("other-hash"), 1)
}

func TestIndexRoot_FileForArchiveHashPath(t *testing.T) {
	ctx := newTestContext(t)
	root := leafFile(ctx, "/pack.zip", "pack-hash", 100)
	child := &VirtualFile{name: "inner/x.txt", parent: root, ctx: ctx, hash: "x-hash", hasHash: true, size: 5}
	root.children = append(root.children, child)

	ix := emptyIndexRoot().Integrate([]*VirtualFile{root})

	found, err := ix.FileForArchiveHashPath([]string{"pack-hash", "x.txt"})
	require.NoError(t, err)
	assert.Same(t, child, found)

	_, err = ix.FileForArchiveHashPath([]string{"pack-hash", "missing.txt"})
	assert.ErrorIs(t, err, ErrLookupMissing)
}

func names(files []*VirtualFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name()
	}
	return out
}
