// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup.
			_ = os.Chmod(tempDir, 0o700)
		})

		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	base, err := filepath.Abs(tempDir)
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		path := "results/u1/fp/t1.md"
		uri, err := store.PutObject(context.Background(), path, "text/markdown", bytes.NewReader([]byte("# hello")))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(base, path)), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		content, err := os.ReadFile(filepath.Join(base, path))
		require.NoError(t, err)
		assert.Equal(t, "# hello", string(content))

		entries, err := os.ReadDir(filepath.Join(base, "results/u1/fp"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no partial files left behind")
	})

	t.Run("Overwrite", func(t *testing.T) {
		path := "results/u1/fp/t2.md"
		_, err := store.PutObject(context.Background(), path, "", bytes.NewReader([]byte("first")))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), path, "", bytes.NewReader([]byte("second")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		content, err := os.ReadFile(filepath.Join(base, path))
		require.NoError(t, err)
		assert.Equal(t, "second", string(content))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/plain", bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../outside.md", "text/plain", bytes.NewReader([]byte("x")))
		assert.Error(t, err)
	})
}
