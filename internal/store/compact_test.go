package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactToRetainsLiveValuesOnly(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Config{SegmentSizeThreshold: 1 << 20})
	require.NoError(t, err)
	defer e.Close() // nolint:errcheck

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Put([]byte("a"), []byte("3")))
	require.NoError(t, e.Delete([]byte("b")))

	newDir := filepath.Join(t.TempDir(), "compacted")
	require.NoError(t, e.CompactTo(newDir))

	val, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), val)

	_, err = e.Get([]byte("b"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.Equal(t, 1, e.Size())
	require.Equal(t, newDir, e.DataDir())

	e2, err := Open(newDir, Config{SegmentSizeThreshold: 1 << 20})
	require.NoError(t, err)
	defer e2.Close() // nolint:errcheck

	val, err = e2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), val)
	require.Equal(t, 1, e2.Size())
}

func TestCompactToCarriesOverWritesMadeDuringReplay(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Config{SegmentSizeThreshold: 1 << 20})
	require.NoError(t, err)
	defer e.Close() // nolint:errcheck

	require.NoError(t, e.Put([]byte("a"), []byte("1")))

	f, err := e.Freeze()
	require.NoError(t, err)

	// a write landing after Freeze must survive compaction even though it
	// was never part of the frozen segment set.
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	newDir := filepath.Join(t.TempDir(), "compacted")
	out, err := e.BuildCompactedOutput(newDir, f)
	require.NoError(t, err)

	require.NoError(t, e.FinalizeCompaction(newDir, f, out))

	val, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)

	val, err = e.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), val)
}
