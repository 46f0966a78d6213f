package artifacts_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kent0ikegami/crawler-with-snapshot/internal/artifacts"
)

func TestNewLocal(t *testing.T) {
	t.Run("CreatesLayout", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "results", "20240101_000000")
		_, err := artifacts.NewLocal(dir, artifacts.DefaultLayout, zap.NewNop())
		require.NoError(t, err)
		assert.DirExists(t, filepath.Join(dir, "html"))
		assert.DirExists(t, filepath.Join(dir, "screenshots"))
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := artifacts.NewLocal("", artifacts.DefaultLayout, nil)
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := artifacts.NewLocal(file, artifacts.DefaultLayout, nil)
		assert.Error(t, err)
	})
}

func TestLocalStoreSaveAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store, err := artifacts.NewLocal(dir, artifacts.ReplacementLayout, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.SaveHTML(ctx, "abc", []byte("<html></html>")))
	require.NoError(t, store.SaveScreenshot(ctx, "abc", []byte{0x89, 'P', 'N', 'G'}))

	assert.FileExists(t, filepath.Join(dir, "html_r1", "abc.html"))
	assert.FileExists(t, filepath.Join(dir, "screenshots_r1", "abc.png"))
	assert.Equal(t, filepath.Join(dir, "html_r1", "abc.html"), store.HTMLPath("abc"))

	data, err := store.LoadHTML(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	_, err = store.LoadHTML(ctx, "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := artifacts.NewLocal(t.TempDir(), artifacts.DefaultLayout, nil)
	require.NoError(t, err)
	err = store.SaveHTML(context.Background(), "../../escape", []byte("x"))
	assert.Error(t, err)
}

func TestLocalStoreMirrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mirror := artifacts.NewMemoryMirror()
	store, err := artifacts.NewLocal(t.TempDir(), artifacts.DefaultLayout, zap.NewNop())
	require.NoError(t, err)
	store = store.WithMirror(mirror)

	require.NoError(t, store.SaveHTML(ctx, "abc", []byte("<p>hi</p>")))
	got, ok := mirror.Object("html/abc.html")
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", string(got))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := artifacts.NewMemory()
	_, err := store.LoadHTML(ctx, "x")
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, store.SaveHTML(ctx, "x", []byte("a")))
	data, err := store.LoadHTML(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestNewGCSMirrorValidates(t *testing.T) {
	t.Parallel()

	_, err := artifacts.NewGCSMirror(nil, artifacts.GCSConfig{Bucket: "b"})
	assert.Error(t, err)
}
