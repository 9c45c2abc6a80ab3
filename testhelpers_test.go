package vfsindex

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestContext builds a Context rooted at a fresh t.TempDir() scratch
// directory, cleaned up automatically by the test framework.
func newTestContext(t *testing.T, opts ...ContextOption) *Context {
	t.Helper()
	scratch := filepath.Join(t.TempDir(), "vfs_staging")
	ctx, err := NewContext(scratch, opts...)
	require.NoError(t, err)
	return ctx
}

// writeZip creates a zip archive at path containing the given name->content
// entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}
