package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedback-pipeline/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "landing")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	path := "landing/owner/reddit/2025/02/03/abc.jsonl"
	uri, err := store.PutObject(ctx, path, "application/x-ndjson", strings.NewReader("{\"a\":1}\n"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, path), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	require.Equal(t, "{\"a\":1}\n", string(data))

	again, err := store.PutObject(ctx, path, "application/x-ndjson", strings.NewReader("ignored"))
	require.NoError(t, err)
	require.Equal(t, uri, again)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err = os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	require.Equal(t, "{\"a\":1}\n", string(data), "existing batch is not rewritten")

	_, err = store.PutObject(ctx, "", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../escape.jsonl", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "escapes base directory")
}
