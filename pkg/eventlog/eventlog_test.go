package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	name := filepath.Join(dir, "testdb")
	l, err := Open(name)
	require.NoError(t, err)
	return l, name
}

func TestAppendWritesTaggedLine(t *testing.T) {
	l, name := setupLog(t)
	require.NoError(t, l.Append("PAGE_ALLOC", 42, "btree-leaf"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path(name))
	require.NoError(t, err)
	require.Equal(t, "PAGE_ALLOC(42, btree-leaf);\n", string(data))
}

func TestEscapeEscapesNonASCIIAndCapsLength(t *testing.T) {
	raw := append([]byte("abc"), 0xFF, 0x00)
	require.Equal(t, "\"abc\\xff\x00\"", Escape(raw))

	long := make([]byte, maxArgBytes+100)
	for i := range long {
		long[i] = 'a'
	}
	escaped := Escape(long)
	require.Equal(t, maxArgBytes+2, len(escaped)) // quotes + exactly maxArgBytes bytes
}

func TestOpenDefaultsEmptyNameToInMemoryConstant(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	l, err := Open("")
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(path(DefaultName))
	require.NoError(t, err)
}
