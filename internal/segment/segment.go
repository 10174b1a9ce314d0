// Package segment implements the append-only log file described as
// component B of the storage engine: one numbered, append-only file on
// disk, plus the primitives to create, open, append to, and positionally
// read from it.
package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relaycore/caskdb/internal/record"
)

// Ext is the fixed extension every segment file carries.
const Ext = "bitcask"

// Segment is one append-only log file, identified by a monotonically
// increasing numeric id. A Segment does not serialize concurrent access
// itself: callers (the storage engine, via the shared handle's
// reader/writer lock) guarantee a single writer and permit concurrent
// positioned reads, both of which *os.File natively supports.
type Segment struct {
	ID   int
	path string
	file *os.File
	size int64
}

// Path returns dir/<id>.bitcask.
func Path(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s", id, Ext))
}

// ParseID extracts the numeric id from a segment file name, reporting
// whether name is a well-formed segment file name at all (the fixed
// extension, plus a non-negative integer stem).
func ParseID(name string) (int, bool) {
	if filepath.Ext(name) != "."+Ext {
		return 0, false
	}
	stem := strings.TrimSuffix(name, "."+Ext)
	id, err := strconv.Atoi(stem)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// Create creates a brand-new, empty segment file with the given id inside
// dir, durably: the file itself and the directory entry that names it are
// both fsynced before Create returns, so a crash immediately afterward
// cannot leave a dangling, undiscoverable segment.
func Create(dir string, id int) (*Segment, error) {
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %q: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: sync %q: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Segment{ID: id, path: path, file: f}, nil
}

// Open opens an existing segment file for reading and, should it turn out
// to be the tail segment, further appends.
func Open(path string) (*Segment, error) {
	id, ok := ParseID(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("segment: %q is not a segment file", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %q: %w", path, err)
	}

	return &Segment{ID: id, path: path, file: f}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("segment: open dir %q: %w", dir, err)
	}
	defer d.Close() // nolint:errcheck

	if err := d.Sync(); err != nil {
		return fmt.Errorf("segment: sync dir %q: %w", dir, err)
	}
	return nil
}

// Path returns the absolute path of the segment file.
func (s *Segment) Path() string { return s.path }

// Size returns the segment's current tracked size in bytes.
func (s *Segment) Size() int64 { return s.size }

// SetSize overrides the tracked size; used by the directory after replay,
// once the true on-disk size has been observed by scanning, and after a
// crash-torn tail record has been truncated away.
func (s *Segment) SetSize(n int64) { s.size = n }

// Append encodes rec to the end of the segment and returns the absolute
// offset, from the start of the file, at which the value bytes begin. The
// write reaches the kernel before Append returns (a crash cannot observe a
// partial record in the page cache); if syncOnWrite is set the write is
// additionally fsynced to the device before Append returns.
func (s *Segment) Append(rec record.Record, syncOnWrite bool) (valueOffset int64, err error) {
	offsetBefore := s.size

	n, err := rec.Encode(s.file)
	if err != nil {
		return 0, fmt.Errorf("segment %d: append: %w", s.ID, err)
	}
	s.size += n

	if syncOnWrite {
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("segment %d: sync: %w", s.ID, err)
		}
	}

	return offsetBefore + record.ValueOffset(len(rec.Key)), nil
}

// ReadValue reads exactly length bytes starting at offset. Callers must
// never request a zero-length read; a zero-length index entry is a live
// empty value, which the directory resolves without touching disk.
func (s *Segment) ReadValue(offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("segment %d: zero-length read at %d is not valid", s.ID, offset)
	}
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("segment %d: read at %d: %w", s.ID, offset, err)
	}
	return buf, nil
}

// Sync fsyncs the segment's file to the device.
func (s *Segment) Sync() error { return s.file.Sync() }

// Close closes the underlying file handle.
func (s *Segment) Close() error { return s.file.Close() }

// Truncate truncates the segment to size bytes and repositions the
// append cursor, used to drop a crash-torn tail record discovered during
// replay.
func (s *Segment) Truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("segment %d: truncate: %w", s.ID, err)
	}
	s.size = size
	return nil
}

// Scanner sequentially decodes every record in a segment from the start,
// independent of the file's append cursor, for use during replay.
type Scanner struct {
	reader    *bufio.Reader
	end       int64
	current   record.Record
	err       error
	truncated bool
	done      bool
}

// NewScanner returns a Scanner over seg's full current contents.
func NewScanner(seg *Segment) *Scanner {
	sr := io.NewSectionReader(seg.file, 0, 1<<62)
	return &Scanner{reader: bufio.NewReader(sr)}
}

// Scan advances to the next record, returning false at a clean end of
// file or when a decode error has occurred; callers must consult Err to
// distinguish "no more records" from "tail looked crash-torn" from a hard
// corruption error.
func (sc *Scanner) Scan() bool {
	if sc.done {
		return false
	}

	rec, err := record.Decode(sc.reader, true)
	if err != nil {
		sc.done = true
		switch {
		case err == io.EOF:
			// clean boundary, nothing to truncate.
		case err == io.ErrUnexpectedEOF:
			sc.truncated = true
		default:
			sc.err = err
		}
		return false
	}

	sc.current = rec
	sc.end += rec.EncodedLen()
	return true
}

// Record returns the record produced by the most recent successful Scan.
func (sc *Scanner) Record() record.Record { return sc.current }

// Offset returns the offset, from the start of the segment, at which the
// most recently scanned record began.
func (sc *Scanner) Offset() int64 { return sc.end - sc.current.EncodedLen() }

// End returns the offset immediately following the most recently scanned
// record: the cursor for the next Scan, and the "good" length to truncate
// the segment to if Scan has just returned false.
func (sc *Scanner) End() int64 { return sc.end }

// Err reports a hard decode error such as a checksum mismatch. It returns
// nil if Scan stopped because of a clean end of file or a crash-torn tail;
// use Truncated to tell those two apart.
func (sc *Scanner) Err() error { return sc.err }

// Truncated reports whether Scan stopped because the final record was
// crash-torn (a truncated header or body at the tail of the file), as
// opposed to a clean end of file with no partial record present.
func (sc *Scanner) Truncated() bool { return sc.truncated }
