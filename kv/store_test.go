package kv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	kverrors "github.com/pagedkv/pagedkv/errors"
	"github.com/pagedkv/pagedkv/pkg/config"
)

func testConfig() config.Config {
	return config.Config{
		PageSize:           512,
		CacheCapacityBytes: 64 * 512,
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTripsInlineValue(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put([]byte("a"), []byte("hello")))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(v))
}

func TestGetMissingKeyReturnsKeyNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get([]byte("missing"))
	require.True(t, kverrors.Is(err, kverrors.KeyNotFound))
}

func TestPutOverwriteReplacesValue(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put([]byte("a"), []byte("v1")))
	require.NoError(t, s.Put([]byte("a"), []byte("v2")))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestDeleteRemovesKey(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put([]byte("a"), []byte("v1")))
	require.NoError(t, s.Delete([]byte("a")))

	_, err := s.Get([]byte("a"))
	require.True(t, kverrors.Is(err, kverrors.KeyNotFound))
}

// TestPutLargeValueSpillsToBlobRun exercises the out-of-line blob path
// (spec §1: values "may be stored inline (tiny/small) or as out-of-line
// blobs"), round-tripping through the page manager's multi-page allocator.
func TestPutLargeValueSpillsToBlobRun(t *testing.T) {
	s := openTestStore(t)
	big := bytes.Repeat([]byte("x"), 3*int(s.cfg.PageSize))
	require.NoError(t, s.Put([]byte("big"), big))

	v, err := s.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(big, v))
}

func TestCursorVisitsEveryKeyAscending(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put([]byte(k), []byte(k+"-value")))
	}

	c := s.NewCursor()
	defer c.Close()

	var seen []string
	k, _, err := c.First()
	require.NoError(t, err)
	seen = append(seen, string(k))
	for {
		k, _, err = c.Next()
		if err != nil {
			break
		}
		seen = append(seen, string(k))
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)
}
