package store

import (
	"fmt"
	"io"
	"os"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaycore/caskdb/internal/index"
	"github.com/relaycore/caskdb/internal/record"
	"github.com/relaycore/caskdb/internal/segment"
)

// frozen captures the result of the compaction protocol's first step: the
// set of segment ids present at the moment of freezing, and the paths they
// live at, replayed later in isolation from the live engine.
type frozen struct {
	ids   mapset.Set[int]
	paths map[int]string
}

// Freeze rolls the active segment so that every record written before this
// call lands in a segment with an id in the returned set, and every record
// written after lands in a segment with an id outside it. The caller must
// already hold the engine's exclusive lock; the next step,
// BuildCompactedOutput, works against a snapshot and may run unlocked.
func (e *Engine) Freeze() (frozen, error) {
	ids := mapset.NewSet(e.dir.ids()...)
	paths := make(map[int]string, ids.Cardinality())
	for id := range ids.Iter() {
		paths[id] = e.dir.byID[id].Path()
	}

	if _, err := e.dir.roll(); err != nil {
		return frozen{}, fmt.Errorf("store: freeze: %w", err)
	}

	return frozen{ids: ids, paths: paths}, nil
}

// compactedOutput is the result of replaying a frozen segment set and
// writing out only its live records, step 3 of the compaction protocol.
// It runs with no lock held: it reads an immutable snapshot of segments
// that will never be appended to again, and writes to a brand-new
// directory nothing else can see yet.
type compactedOutput struct {
	dir *directory
	idx *index.Index
}

// outputSegmentID is the id assigned to the single segment BuildCompactedOutput
// produces: one past the largest id in the frozen set, guaranteeing it
// sorts after every frozen segment and before any renumbered carry-over
// segment written by FinalizeCompaction.
func outputSegmentID(f frozen) int {
	ids := f.ids.ToSlice()
	sort.Ints(ids)
	return ids[len(ids)-1] + 1
}

// compactReplayHook, when non-nil, runs once BuildCompactedOutput has
// finished replaying the frozen segment set but before it writes the
// compacted output. Production code never sets it; tests use it to pin a
// goroutine deterministically inside the compaction protocol's unlocked
// window instead of racing real time.
var compactReplayHook func()

// BuildCompactedOutput replays f's segments in an isolated, read-only
// directory and writes every key's current live value — and nothing
// else — into a single new segment inside newDir.
func (e *Engine) BuildCompactedOutput(newDir string, f frozen) (compactedOutput, error) {
	ids := f.ids.ToSlice()
	sort.Ints(ids)
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = f.paths[id]
	}

	src, idx, err := openImmutable(paths, e.cfg.Logger)
	if err != nil {
		return compactedOutput{}, fmt.Errorf("store: compact: replay frozen set: %w", err)
	}
	defer src.close() // nolint:errcheck

	if compactReplayHook != nil {
		compactReplayHook()
	}

	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return compactedOutput{}, fmt.Errorf("store: compact: mkdir %q: %w", newDir, err)
	}

	out, err := segment.Create(newDir, outputSegmentID(f))
	if err != nil {
		return compactedOutput{}, fmt.Errorf("store: compact: create output segment: %w", err)
	}

	outIdx := index.New()
	var writeErr error
	idx.Each(func(key []byte, e index.Entry) bool {
		val, err := src.readAt(e)
		if err != nil {
			writeErr = fmt.Errorf("store: compact: read %q: %w", key, err)
			return false
		}
		offset, err := out.Append(record.NewLive(key, val), false)
		if err != nil {
			writeErr = fmt.Errorf("store: compact: write %q: %w", key, err)
			return false
		}
		outIdx.Put(key, index.Entry{SegmentID: out.ID, Offset: offset, Length: int64(len(val))})
		return true
	})
	if writeErr != nil {
		_ = out.Close()
		return compactedOutput{}, writeErr
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return compactedOutput{}, fmt.Errorf("store: compact: sync output segment: %w", err)
	}

	outDir := &directory{
		root:     newDir,
		segments: []*segment.Segment{out},
		byID:     map[int]*segment.Segment{out.ID: out},
		logger:   e.cfg.Logger,
	}
	return compactedOutput{dir: outDir, idx: outIdx}, nil
}

// FinalizeCompaction copies every segment written after Freeze (i.e. every
// segment not in f) into newDir, renumbered to sort after out's segment,
// then reopens newDir as the engine's new home and closes the old one.
// The caller must hold the engine's exclusive lock for the duration of
// this call: it is the only step, besides Freeze, that touches live
// engine state.
func (e *Engine) FinalizeCompaction(newDir string, f frozen, out compactedOutput) error {
	tailIDs := make([]int, 0)
	for _, id := range e.dir.ids() {
		if !f.ids.Contains(id) {
			tailIDs = append(tailIDs, id)
		}
	}
	sort.Ints(tailIDs)

	nextID := out.dir.active().ID + 1
	for _, id := range tailIDs {
		src := e.dir.byID[id]
		if err := copySegmentFile(src.Path(), segment.Path(newDir, nextID)); err != nil {
			return fmt.Errorf("store: compact: carry over segment %d: %w", id, err)
		}
		nextID++
	}
	if len(tailIDs) > 0 {
		if err := syncDirEntries(newDir); err != nil {
			return fmt.Errorf("store: compact: %w", err)
		}
	}

	if err := out.dir.close(); err != nil {
		return fmt.Errorf("store: compact: close output segment: %w", err)
	}

	oldDir := e.dir

	newDirHandle, newIdx, err := openDirectory(newDir, e.cfg.Logger)
	if err != nil {
		return fmt.Errorf("store: compact: reopen %q: %w", newDir, err)
	}

	e.dir = newDirHandle
	e.idx = newIdx

	if err := oldDir.close(); err != nil {
		e.cfg.Logger.Warn("compact: error closing old directory", zap.Error(err))
	}
	return nil
}

// CompactTo runs the full compaction protocol against newDir and swaps the
// engine over to it on success. newDir must not already exist or overlap
// with the engine's current directory. Locking around the freeze and
// finalize steps is the caller's responsibility (caskdb.Handle.CompactTo
// holds the engine lock only for those two steps, matching the protocol's
// intent of minimizing writer stall time).
func (e *Engine) CompactTo(newDir string) error {
	f, err := e.Freeze()
	if err != nil {
		return err
	}

	out, err := e.BuildCompactedOutput(newDir, f)
	if err != nil {
		return err
	}

	return e.FinalizeCompaction(newDir, f, out)
}

// syncDirEntries fsyncs dir itself, making durable any file creations or
// renames performed inside it.
func syncDirEntries(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", dir, err)
	}
	defer d.Close() // nolint:errcheck

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %q: %w", dir, err)
	}
	return nil
}

func copySegmentFile(srcPath, dstPath string) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("store: open %q: %w", srcPath, err)
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: create %q: %w", dstPath, err)
	}
	defer func() { err = multierr.Append(err, dst.Close()) }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("store: copy %q to %q: %w", srcPath, dstPath, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("store: sync %q: %w", dstPath, err)
	}
	return nil
}
