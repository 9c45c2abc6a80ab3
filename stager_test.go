package vfsindex

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildNestedArchive(t *testing.T, dir string) *VirtualFile {
	t.Helper()

	middlePath := filepath.Join(t.TempDir(), "middle.zip")
	writeZip(t, middlePath, map[string]string{"leaf.txt": "leaf contents"})
	middleBytes, err := os.ReadFile(middlePath)
	require.NoError(t, err)

	outerPath := filepath.Join(dir, "outer.zip")
	f, err := os.Create(outerPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("middle.zip")
	require.NoError(t, err)
	_, err = w.Write(middleBytes)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	ctx := newTestContext(t)
	root, err := Analyze(ctx, nil, outerPath, outerPath)
	require.NoError(t, err)
	return root
}

func TestStager_NestingOrderAndScopedCleanup(t *testing.T) {
	dir := t.TempDir()
	outer := buildNestedArchive(t, dir)

	require.True(t, outer.IsArchive())
	require.Len(t, outer.Children(), 1)
	middle := outer.Children()[0]
	require.True(t, middle.IsArchive())
	require.Len(t, middle.Children(), 1)
	leaf := middle.Children()[0]
	assert.Equal(t, "leaf.txt", leaf.Name())

	ctx := outer.Context()
	stager := NewStager(ctx)

	handle, err := stager.Stage([]*VirtualFile{leaf})
	require.NoError(t, err)

	leafPath := leaf.StagedPath()
	require.NotEmpty(t, leafPath)
	_, statErr := os.Stat(leafPath)
	assert.NoError(t, statErr, "staged leaf file must exist on disk")

	middlePath := middle.StagedPath()
	require.NotEmpty(t, middlePath)
	_, statErr = os.Stat(middlePath)
	assert.NoError(t, statErr, "staged middle archive must exist on disk")

	handle.Release()

	assert.Empty(t, leaf.StagedPath())
	assert.Empty(t, middle.StagedPath())
	_, statErr = os.Stat(filepath.Dir(leafPath))
	assert.Error(t, statErr, "leaf's scratch directory must be removed after release")
	_, statErr = os.Stat(filepath.Dir(middlePath))
	assert.Error(t, statErr, "middle's scratch directory must be removed after release")
}

func TestStager_RootNeedsNoStaging(t *testing.T) {
	ctx := newTestContext(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	root, err := Analyze(ctx, nil, path, path)
	require.NoError(t, err)

	stager := NewStager(ctx)
	handle, err := stager.Stage([]*VirtualFile{root})
	require.NoError(t, err)
	assert.Empty(t, handle.Files(), "a root needs no staging")
	handle.Release()
}
