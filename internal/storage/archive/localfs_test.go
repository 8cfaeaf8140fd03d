package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS_ImplementsStorage(t *testing.T) {
	var _ Storage = (*LocalFS)(nil)
}

func TestLocalFS_WriteRead(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "test/file.json", []byte("test data")))
	got, err := fs.Read(ctx, "test/file.json")
	require.NoError(t, err)
	assert.Equal(t, "test data", string(got))

	require.NoError(t, fs.Write(ctx, "test/file.json", []byte("v2")), "overwrite")
	got, _ = fs.Read(ctx, "test/file.json")
	assert.Equal(t, "v2", string(got))
}

func TestLocalFS_RejectsEscape(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, fs.Write(context.Background(), "../outside.json", []byte("x")))
}

func TestLocalFS_Exists(t *testing.T) {
	fs, _ := NewLocalFS(t.TempDir())
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "nonexistent.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, fs.Write(ctx, "exists.json", []byte("data")))
	exists, _ = fs.Exists(ctx, "exists.json")
	assert.True(t, exists)
}

func TestLocalFS_List(t *testing.T) {
	fs, _ := NewLocalFS(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "raw/yahoo/2024-01-02/b.json", []byte("b")))
	require.NoError(t, fs.Write(ctx, "raw/yahoo/2024-01-02/a.json", []byte("a")))
	require.NoError(t, fs.Write(ctx, "raw/binance/2024-01-02/c.json", []byte("c")))

	paths, err := fs.List(ctx, "raw/yahoo")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw/yahoo/2024-01-02/a.json", "raw/yahoo/2024-01-02/b.json"}, paths)

	paths, err = fs.List(ctx, "raw/eastmoney")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestLocalFS_Delete(t *testing.T) {
	fs, _ := NewLocalFS(t.TempDir())
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "delete.json", []byte("data")))
	require.NoError(t, fs.Delete(ctx, "delete.json"))

	exists, _ := fs.Exists(ctx, "delete.json")
	assert.False(t, exists)
}

func TestNew(t *testing.T) {
	s, err := New(Config{Type: "localfs", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalFS{}, s)

	_, err = New(Config{Type: "ftp"})
	assert.Error(t, err)
}
