package caskdb_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/caskdb"
)

func TestBasicPutGet(t *testing.T) {
	h, err := caskdb.Open(t.TempDir())
	require.NoError(t, err)
	defer h.Close() // nolint:errcheck

	require.NoError(t, h.Put([]byte("k"), []byte("v")))
	val, err := h.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestOverwriteAndCompact(t *testing.T) {
	dir := t.TempDir()
	h, err := caskdb.Open(dir)
	require.NoError(t, err)
	defer h.Close() // nolint:errcheck

	require.NoError(t, h.Put([]byte{1, 2, 3}, []byte{4, 5, 6}))
	require.NoError(t, h.Put([]byte{1, 2}, []byte{3, 4}))
	require.NoError(t, h.Put([]byte{1, 2, 3}, []byte{5, 6, 7}))

	newDir := filepath.Join(t.TempDir(), "compacted")
	require.NoError(t, h.CompactTo(newDir))

	val, err := h.Get([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7}, val)
	val, err = h.Get([]byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4}, val)

	h2, err := caskdb.Open(newDir)
	require.NoError(t, err)
	defer h2.Close() // nolint:errcheck

	val, err = h2.Get([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7}, val)
	val, err = h2.Get([]byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4}, val)
}

func TestPutIfAbsentCollision(t *testing.T) {
	h, err := caskdb.Open(t.TempDir())
	require.NoError(t, err)
	defer h.Close() // nolint:errcheck

	require.NoError(t, h.PutIfAbsent([]byte("k"), []byte("v1")))
	err = h.PutIfAbsent([]byte("k"), []byte("v2"))
	require.True(t, errors.Is(err, caskdb.ErrKeyExists))

	val, err := h.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestPutIfPresentWithoutPriorValue(t *testing.T) {
	h, err := caskdb.Open(t.TempDir())
	require.NoError(t, err)
	defer h.Close() // nolint:errcheck

	err = h.PutIfPresent([]byte("k"), []byte("v"))
	require.True(t, errors.Is(err, caskdb.ErrKeyNotFound))
}

func TestDeleteRePutAndReopen(t *testing.T) {
	dir := t.TempDir()
	h, err := caskdb.Open(dir)
	require.NoError(t, err)

	require.NoError(t, h.Put([]byte("k"), []byte("v1")))
	require.NoError(t, h.Delete([]byte("k")))
	_, err = h.Get([]byte("k"))
	require.True(t, errors.Is(err, caskdb.ErrKeyNotFound))

	require.NoError(t, h.Put([]byte("k"), []byte("v2")))
	require.NoError(t, h.Close())

	h2, err := caskdb.Open(dir)
	require.NoError(t, err)
	defer h2.Close() // nolint:errcheck

	val, err := h2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)
}

func TestReplayAfterSimulatedCrash(t *testing.T) {
	const n, k = 1000, 100
	dir := t.TempDir()

	h, err := caskdb.Open(dir, caskdb.WithSegmentSizeThreshold(4096))
	require.NoError(t, err)

	want := make(map[string][]byte, k)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i%k))
		val := []byte(fmt.Sprintf("value-%d", i))
		require.NoError(t, h.Put(key, val))
		want[string(key)] = val
	}
	require.NoError(t, h.Close())

	h2, err := caskdb.Open(dir, caskdb.WithSegmentSizeThreshold(4096))
	require.NoError(t, err)
	defer h2.Close() // nolint:errcheck

	require.Equal(t, k, h2.Size())
	for key, val := range want {
		got, err := h2.Get([]byte(key))
		require.NoError(t, err)
		require.True(t, bytes.Equal(val, got))
	}
}

func TestCloneSharesState(t *testing.T) {
	h, err := caskdb.Open(t.TempDir())
	require.NoError(t, err)
	defer h.Close() // nolint:errcheck

	clone := h.Clone()
	require.NoError(t, clone.Put([]byte("k"), []byte("v")))

	val, err := h.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestConcurrentReadersAndWriterSurviveCompaction(t *testing.T) {
	dir := t.TempDir()
	h, err := caskdb.Open(dir, caskdb.WithSegmentSizeThreshold(256))
	require.NoError(t, err)
	defer h.Close() // nolint:errcheck

	for i := 0; i < 20; i++ {
		require.NoError(t, h.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			clone := h.Clone()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = clone.Get([]byte(fmt.Sprintf("k%d", n%20)))
				}
			}
		}(i)
	}

	newDir := filepath.Join(t.TempDir(), "compacted")
	require.NoError(t, h.CompactTo(newDir))
	close(stop)
	wg.Wait()

	require.Equal(t, 20, h.Size())
}
