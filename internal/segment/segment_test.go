package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaycore/caskdb/internal/record"
	"github.com/stretchr/testify/require"
)

func TestCreateOpenAppendRead(t *testing.T) {
	dir := t.TempDir()

	seg, err := Create(dir, 0)
	require.NoError(t, err)
	defer seg.Close() // nolint:errcheck

	off, err := seg.Append(record.NewLive([]byte("foo"), []byte("bar")), false)
	require.NoError(t, err)
	require.Equal(t, int64(record.HeaderLen+len("foo")), off)

	val, err := seg.ReadValue(off, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), val)
}

func TestParseID(t *testing.T) {
	id, ok := ParseID("42.bitcask")
	require.True(t, ok)
	require.Equal(t, 42, id)

	_, ok = ParseID("42.txt")
	require.False(t, ok)

	_, ok = ParseID("abc.bitcask")
	require.False(t, ok)

	_, ok = ParseID("-1.bitcask")
	require.False(t, ok)
}

func TestScannerStopsCleanlyAtEOF(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	require.NoError(t, err)
	defer seg.Close() // nolint:errcheck

	_, err = seg.Append(record.NewLive([]byte("a"), []byte("1")), false)
	require.NoError(t, err)
	_, err = seg.Append(record.NewLive([]byte("b"), []byte("2")), false)
	require.NoError(t, err)

	sc := NewScanner(seg)
	var keys []string
	for sc.Scan() {
		keys = append(keys, string(sc.Record().Key))
	}
	require.NoError(t, sc.Err())
	require.False(t, sc.Truncated())
	require.Equal(t, []string{"a", "b"}, keys)
	require.Equal(t, int64(0), seg.Size()-sc.End())
}

func TestScannerDetectsTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	require.NoError(t, err)

	_, err = seg.Append(record.NewLive([]byte("a"), []byte("1")), false)
	require.NoError(t, err)
	goodEnd := seg.Size()
	require.NoError(t, seg.Close())

	// simulate a crash mid-write of a second record: only a partial header
	// reaches disk.
	f, err := os.OpenFile(Path(dir, 0), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0}, goodEnd)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	seg, err = Open(Path(dir, 0))
	require.NoError(t, err)
	defer seg.Close() // nolint:errcheck

	sc := NewScanner(seg)
	var n int
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	require.True(t, sc.Truncated())
	require.Equal(t, 1, n)
	require.Equal(t, goodEnd, sc.End())
}

func TestScannerDetectsChecksumCorruption(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	require.NoError(t, err)

	_, err = seg.Append(record.NewLive([]byte("k"), []byte("v")), false)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	path := Path(dir, 0)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	seg, err = Open(path)
	require.NoError(t, err)
	defer seg.Close() // nolint:errcheck

	sc := NewScanner(seg)
	require.False(t, sc.Scan())
	require.Error(t, sc.Err())
	require.False(t, sc.Truncated())
}

func TestZeroLengthReadRejected(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	require.NoError(t, err)
	defer seg.Close() // nolint:errcheck

	_, err = seg.ReadValue(0, 0)
	require.Error(t, err)
}

func TestCreateIsDurable(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 7)
	require.NoError(t, err)
	defer seg.Close() // nolint:errcheck

	_, err = os.Stat(filepath.Join(dir, "7.bitcask"))
	require.NoError(t, err)
}
