package store

import (
	"fmt"
	"os"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaycore/caskdb/internal/index"
	"github.com/relaycore/caskdb/internal/record"
	"github.com/relaycore/caskdb/internal/segment"
)

// directory implements component C, the segment directory: it enumerates
// the segment files that make up a store, opens them in id order, and
// hands out the tail segment as the append target.
type directory struct {
	root      string
	segments  []*segment.Segment // ascending by id; last is the active one
	byID      map[int]*segment.Segment
	immutable bool
	logger    *zap.Logger
}

// openDirectory initializes a directory from data_dir, creating it if
// absent, and replays every segment it finds into a freshly built index.
// If data_dir contains no segments, a new segment with id 0 is created.
func openDirectory(dataDir string, logger *zap.Logger) (*directory, *index.Index, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("store: mkdir %q: %w", dataDir, err)
	}

	ids, err := discoverSegmentIDs(dataDir)
	if err != nil {
		return nil, nil, err
	}

	idx := index.New()
	d := &directory{root: dataDir, byID: make(map[int]*segment.Segment), logger: logger}

	if len(ids) == 0 {
		seg, err := segment.Create(dataDir, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("store: create initial segment: %w", err)
		}
		d.segments = append(d.segments, seg)
		d.byID[seg.ID] = seg
		return d, idx, nil
	}

	for i, id := range ids {
		seg, err := segment.Open(segment.Path(dataDir, id))
		if err != nil {
			return nil, nil, fmt.Errorf("store: open segment %d: %w", id, err)
		}
		isLast := i == len(ids)-1
		if err := replayInto(seg, idx, logger, isLast); err != nil {
			_ = seg.Close()
			return nil, nil, err
		}
		d.segments = append(d.segments, seg)
		d.byID[seg.ID] = seg
	}

	return d, idx, nil
}

// openImmutable opens exactly the segments named by paths (in the order
// given) as a read-only directory used during compaction to replay the
// frozen segment set in isolation from the live engine. Any Append against
// the returned directory fails with ErrUnexpected. None of these segments
// is ever the active append target of a live store by the time compaction
// replays it, so none of them is eligible for the crash-torn-tail
// leniency: a truncated tail here is always treated as corruption.
func openImmutable(paths []string, logger *zap.Logger) (*directory, *index.Index, error) {
	idx := index.New()
	d := &directory{byID: make(map[int]*segment.Segment), immutable: true, logger: logger}

	for _, path := range paths {
		seg, err := segment.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("store: open frozen segment %q: %w", path, err)
		}
		if err := replayInto(seg, idx, logger, false); err != nil {
			_ = seg.Close()
			return nil, nil, err
		}
		d.segments = append(d.segments, seg)
		d.byID[seg.ID] = seg
	}

	return d, idx, nil
}

// discoverSegmentIDs lists dataDir for files matching <id>.bitcask,
// ignoring anything else, and returns the ids sorted ascending.
func discoverSegmentIDs(dataDir string) ([]int, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir %q: %w", dataDir, err)
	}

	var ids []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := segment.ParseID(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// replayInto scans seg from the start, folding its records into idx:
// tombstones remove the key, live records overwrite it. isLast must be
// true only for the directory's active (largest-id) segment: a crash-torn
// tail record is truncated away rather than treated as corruption for
// that segment alone. Any other segment hitting the same condition means
// a crash-torn tail survived in a segment that should no longer be
// written to, which is never explainable as an in-progress append, so it
// is fatal just like any other decode failure.
func replayInto(seg *segment.Segment, idx *index.Index, logger *zap.Logger, isLast bool) error {
	sc := segment.NewScanner(seg)
	for sc.Scan() {
		rec := sc.Record()
		if rec.IsTombstone() {
			idx.Delete(rec.Key)
			continue
		}
		idx.Put(rec.Key, index.Entry{
			SegmentID: seg.ID,
			Offset:    sc.Offset() + record.ValueOffset(len(rec.Key)),
			Length:    int64(len(rec.Value)),
		})
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("store: segment %d: %w", seg.ID, err)
	}

	if sc.Truncated() {
		if !isLast {
			return fmt.Errorf("store: segment %d: %w: truncated tail in a non-active segment",
				seg.ID, record.ErrCorrupt)
		}
		logger.Warn("truncating crash-torn tail record",
			zap.Int("segment_id", seg.ID), zap.Int64("good_size", sc.End()))
		if err := seg.Truncate(sc.End()); err != nil {
			return fmt.Errorf("store: segment %d: %w", seg.ID, err)
		}
		return nil
	}

	seg.SetSize(sc.End())
	return nil
}

// active returns the directory's append target: the segment with the
// largest id.
func (d *directory) active() *segment.Segment {
	return d.segments[len(d.segments)-1]
}

// ids returns every tracked segment id, ascending.
func (d *directory) ids() []int {
	ids := make([]int, len(d.segments))
	for i, seg := range d.segments {
		ids[i] = seg.ID
	}
	return ids
}

// readAt resolves e to its bytes by dispatching to the segment it names. A
// zero-length entry is a live empty-value record, not a tombstone (the
// index never retains tombstone entries), so it resolves without touching
// disk at all.
func (d *directory) readAt(e index.Entry) ([]byte, error) {
	if e.Length == 0 {
		return []byte{}, nil
	}

	seg, ok := d.byID[e.SegmentID]
	if !ok {
		return nil, fmt.Errorf("store: entry references unknown segment %d", e.SegmentID)
	}
	return seg.ReadValue(e.Offset, e.Length)
}

// append writes one record to the active segment and returns its index
// entry. It does not update any index; callers own that.
func (d *directory) append(key, value []byte, tombstone bool, syncOnWrite bool) (index.Entry, error) {
	if d.immutable {
		return index.Entry{}, fmt.Errorf("%w: append on immutable directory", ErrUnexpected)
	}

	var rec record.Record
	if tombstone {
		rec = record.NewTombstone(key)
	} else {
		rec = record.NewLive(key, value)
	}

	seg := d.active()
	offset, err := seg.Append(rec, syncOnWrite)
	if err != nil {
		return index.Entry{}, err
	}

	length := int64(len(value))
	if tombstone {
		length = 0
	}
	return index.Entry{SegmentID: seg.ID, Offset: offset, Length: length}, nil
}

// roll creates a new, empty segment one id past the current maximum and
// makes it the new append target.
func (d *directory) roll() (*segment.Segment, error) {
	if d.immutable {
		return nil, fmt.Errorf("%w: roll on immutable directory", ErrUnexpected)
	}

	newID := d.active().ID + 1
	seg, err := segment.Create(d.root, newID)
	if err != nil {
		return nil, fmt.Errorf("store: roll segment: %w", err)
	}

	d.segments = append(d.segments, seg)
	d.byID[seg.ID] = seg
	return seg, nil
}

// close closes every open segment handle, combining every error seen
// rather than stopping at the first one.
func (d *directory) close() error {
	var err error
	for _, seg := range d.segments {
		err = multierr.Append(err, seg.Close())
	}
	return err
}

