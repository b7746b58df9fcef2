package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRecord(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content *string
		wantSHA string
		wantOK  bool
	}{
		{name: "missing", content: nil},
		{name: "plain", content: ptr("abc123"), wantSHA: "abc123", wantOK: true},
		{name: "trailing newline", content: ptr("abc123\n"), wantSHA: "abc123", wantOK: true},
		{name: "surrounding whitespace", content: ptr("  abc123 \r\n"), wantSHA: "abc123", wantOK: true},
		{name: "empty", content: ptr(""), wantSHA: "", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name, ".map_sha")
			if tt.content != nil {
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0644))
			}

			sha, ok, err := ReadRecord(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSHA, sha)
		})
	}
}

func TestReadRecord_Unreadable(t *testing.T) {
	// a directory in place of the record file
	path := filepath.Join(t.TempDir(), ".map_sha")
	require.NoError(t, os.Mkdir(path, 0755))

	_, _, err := ReadRecord(path)
	assert.ErrorContains(t, err, "failed to read record")
}

func TestWriteRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world", "night", ".map_sha")

	require.NoError(t, WriteRecord(path, "abc123"))

	sha, ok, err := ReadRecord(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", sha)

	require.NoError(t, WriteRecord(path, "def456"))
	sha, _, err = ReadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, "def456", sha)
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "map.png")

	require.NoError(t, writeFileAtomic(dst, []byte("first"), 0644))
	require.NoError(t, writeFileAtomic(dst, []byte("second"), 0644))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "map.png", entries[0].Name())

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "map.png")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	assert.True(t, fileExists(file))
	assert.False(t, fileExists(filepath.Join(dir, "missing.png")))
	assert.False(t, fileExists(dir))
}

func ptr(s string) *string { return &s }
