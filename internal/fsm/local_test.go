package fsm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAddFormatAndCopyBack(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := FormatKey{BookID: 1, Key: "BASE_0"}
	size, hash, err := l.AddFormat(ctx, key, "epub", bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.NotEmpty(t, hash)

	path, ok, err := l.FormatPath(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ".epub", filepath.Ext(path))

	var buf bytes.Buffer
	require.NoError(t, l.CopyFormatTo(ctx, key, &buf))
	assert.Equal(t, "hello world", buf.String())
}

func TestLocalAddFormatReplacesExistingExtension(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := FormatKey{BookID: 1, Key: "BASE_0"}
	_, _, err = l.AddFormat(ctx, key, "epub", bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	_, _, err = l.AddFormat(ctx, key, "mobi", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)

	path, ok, err := l.FormatPath(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ".mobi", filepath.Ext(path))

	var buf bytes.Buffer
	require.NoError(t, l.CopyFormatTo(ctx, key, &buf))
	assert.Equal(t, "v2", buf.String())
}

func TestLocalSaveAndRestoreOriginalFormat(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	key := FormatKey{BookID: 2, Key: "BASE_0"}
	_, _, err = l.AddFormat(ctx, key, "epub", bytes.NewReader([]byte("original bytes")))
	require.NoError(t, err)

	original, err := l.SaveOriginalFormat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL_BASE_0", original.Key)

	_, _, err = l.AddFormat(ctx, key, "epub", bytes.NewReader([]byte("mutated bytes")))
	require.NoError(t, err)

	require.NoError(t, l.RestoreOriginalFormat(ctx, original))

	var buf bytes.Buffer
	require.NoError(t, l.CopyFormatTo(ctx, key, &buf))
	assert.Equal(t, "original bytes", buf.String())

	_, ok, err := l.globExisting(original)
	require.NoError(t, err)
	assert.False(t, ok, "restore should consume the saved original")
}

func TestLocalCoverLifecycle(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, ok, err := l.CoverPath(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.SetCover(ctx, 3, bytes.NewReader([]byte("jpeg bytes"))))

	_, ok, err = l.CoverPath(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, l.CopyCoverTo(ctx, 3, &buf))
	assert.Equal(t, "jpeg bytes", buf.String())

	require.NoError(t, l.RemoveCover(ctx, 3))
	_, ok, err = l.CoverPath(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.WriteBackup(ctx, 4, []byte("<opf/>")))
	got, err := l.ReadBackup(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "<opf/>", string(got))
}

func TestLocalUpdatePathMovesFolder(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(root)
	require.NoError(t, err)

	key := FormatKey{BookID: 5, Key: "BASE_0"}
	_, _, err = l.AddFormat(ctx, key, "epub", bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	newPath, err := l.UpdatePath(ctx, BookLocation{BookID: 5, Path: "Author/Title"})
	require.NoError(t, err)
	assert.Equal(t, "Author/Title", newPath)
	assert.DirExists(t, filepath.Join(root, "Author/Title"))

	require.NoError(t, l.RemoveBook(ctx, BookLocation{BookID: 5, Path: newPath}))
	_, err = os.Stat(l.bookDir(5))
	assert.True(t, os.IsNotExist(err))
}
