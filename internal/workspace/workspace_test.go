package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"cdpfetch/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesLayout(t *testing.T) {
	base := t.TempDir()
	ws, err := New(base, "abc")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "cdpfetch-abc"), ws.Root)
	assert.True(t, ws.Exists())
	for _, dir := range ws.Dirs() {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
}

func TestNewRemovesStaleRoot(t *testing.T) {
	base := t.TempDir()
	stale := filepath.Join(base, "cdpfetch-abc", "profile", "Default")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "Cookies"), []byte("old"), 0o600))

	ws, err := New(base, "abc")
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, ws.Exists())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("", "abc")
	assert.True(t, model.IsKind(err, model.KindProvision))

	_, err = New(t.TempDir(), "../escape")
	assert.True(t, model.IsKind(err, model.KindProvision))

	// base 是普通文件时无法创建子目录
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = New(file, "abc")
	assert.True(t, model.IsKind(err, model.KindProvision))
}

func TestRemoveIsScopedAndIdempotent(t *testing.T) {
	base := t.TempDir()
	sibling := filepath.Join(base, "cdpfetch-other")
	require.NoError(t, os.MkdirAll(sibling, 0o700))

	ws, err := New(base, "abc")
	require.NoError(t, err)

	require.NoError(t, ws.Remove())
	assert.False(t, ws.Exists())
	require.NoError(t, ws.Remove())

	_, err = os.Stat(sibling)
	assert.NoError(t, err)
}

func TestUsage(t *testing.T) {
	ws, err := New(t.TempDir(), NewID())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Profile, "a"), make([]byte, 1024), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Cache, "b"), make([]byte, 2048), 0o600))

	st, err := Usage(ws.Root)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, int64(3072), st.Bytes)
	assert.Equal(t, "3.0 KiB in 2 files", st.Human())
	assert.Equal(t, []string{"cache", "capture", "data", "profile"}, st.Dirs)
}

func TestList(t *testing.T) {
	base := t.TempDir()
	a, err := New(base, "a")
	require.NoError(t, err)
	b, err := New(base, "b")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "unrelated"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(base, Prefix+"file"), nil, 0o600))

	roots, err := List(base)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Root, b.Root}, roots)

	_, err = List(filepath.Join(base, "missing"))
	assert.Error(t, err)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
