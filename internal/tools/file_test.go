package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "poem.txt"), []byte("one\ntwo\nthree\nfour"), 0o644))

	h := readFileHandler(dir)

	out, err := h(context.Background(), "tu_1", map[string]any{"path": "poem.txt"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", out)

	out, err = h(context.Background(), "tu_1", map[string]any{"path": "poem.txt", "offset": float64(2), "limit": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", out)

	out, err = h(context.Background(), "tu_1", map[string]any{"path": "poem.txt", "offset": float64(99)})
	require.NoError(t, err)
	assert.Equal(t, "", out)

	_, err = h(context.Background(), "tu_1", map[string]any{"path": "missing.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")
}

func TestWriteFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	h := writeFileHandler(dir)

	out, err := h(context.Background(), "tu_1", map[string]any{
		"path":    "deep/nested/note.md",
		"content": "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "wrote 5 bytes to deep/nested/note.md", out)

	data, err := os.ReadFile(filepath.Join(dir, "deep", "nested", "note.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content"), 0o644))

	h := writeFileHandler(dir)
	_, err := h(context.Background(), "tu_1", map[string]any{"path": "file.txt", "content": "new"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestListDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0o644))

	h := listDirectoryHandler(dir)

	out, err := h(context.Background(), "tu_1", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "a.txt\t5\nsub/", out)

	out, err = h(context.Background(), "tu_1", map[string]any{"path": "sub"})
	require.NoError(t, err)
	assert.Equal(t, "(empty directory)", out)

	_, err = h(context.Background(), "tu_1", map[string]any{"path": "nope"})
	assert.Error(t, err)
}
