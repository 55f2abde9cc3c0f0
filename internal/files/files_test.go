package files_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/CalmProton/auto-i18n/internal/files"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadList(t *testing.T) {
	ctx := context.Background()
	fsys := files.NewFS(t.TempDir())

	require.NoError(t, fsys.Write(ctx, "s1", "en", models.ContentTypeContent, "docs/b.md", []byte("# B")))
	require.NoError(t, fsys.Write(ctx, "s1", "en", models.ContentTypeContent, "a.md", []byte("# A")))

	got, err := fsys.Read(ctx, "s1", "en", models.ContentTypeContent, "docs/b.md")
	require.NoError(t, err)
	assert.Equal(t, "# B", string(got))

	list, err := fsys.List(ctx, "s1", "en", models.ContentTypeContent)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "docs/b.md"}, list)
}

func TestWrite_Replaces(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fsys := files.NewFS(root)

	require.NoError(t, fsys.Write(ctx, "s1", "de", models.ContentTypeGlobal, "de.json", []byte(`{"a":1}`)))
	require.NoError(t, fsys.Write(ctx, "s1", "de", models.ContentTypeGlobal, "de.json", []byte(`{"a":2}`)))

	got, err := os.ReadFile(filepath.Join(root, "s1", "de", "global", "de.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))

	entries, err := os.ReadDir(filepath.Join(root, "s1", "de", "global"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestList_MissingDirectory(t *testing.T) {
	list, err := files.NewFS(t.TempDir()).List(context.Background(), "s1", "en", models.ContentTypePage)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRead_Missing(t *testing.T) {
	_, err := files.NewFS(t.TempDir()).Read(context.Background(), "s1", "en", models.ContentTypePage, "nope.md")
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestPathsStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fsys := files.NewFS(filepath.Join(root, "data"))

	require.NoError(t, fsys.Write(ctx, "s1", "en", models.ContentTypeContent, "../../../../escape.md", []byte("x")))
	_, err := os.Stat(filepath.Join(root, "escape.md"))
	assert.True(t, os.IsNotExist(err))

	got, err := fsys.Read(ctx, "s1", "en", models.ContentTypeContent, "escape.md")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	assert.ErrorIs(t, fsys.Write(ctx, "..", "en", models.ContentTypeContent, "a.md", nil), files.ErrInvalidPath)
	assert.ErrorIs(t, fsys.Write(ctx, "s1", "en/../..", models.ContentTypeContent, "a.md", nil), files.ErrInvalidPath)
	assert.ErrorIs(t, fsys.Write(ctx, "s1", "en", models.ContentTypeContent, "", nil), files.ErrInvalidPath)
}
