// Package store composes the segment directory (component C) and the
// memory index (component D) into the storage engine (component E): the
// get/put/delete contract and the compaction protocol. It holds no lock of
// its own — the caskdb.Handle above it is responsible for the
// single-writer/multiple-reader discipline.
package store

import (
	"go.uber.org/zap"

	"github.com/relaycore/caskdb/internal/index"
)

// Config bundles the engine's tunables. Open replaces a nil Logger with a
// no-op logger and a non-positive SegmentSizeThreshold with 1 GiB.
type Config struct {
	SegmentSizeThreshold int64
	SyncOnWrite          bool
	Logger               *zap.Logger
}

// Engine implements the storage engine's get/put/delete/compact contract
// over a single data directory.
type Engine struct {
	dir *directory
	idx *index.Index
	cfg Config
}

// Open initializes an engine over dataDir, creating it if absent and
// replaying any existing segments into a fresh index.
func Open(dataDir string, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SegmentSizeThreshold <= 0 {
		cfg.SegmentSizeThreshold = 1 << 30 // 1 GiB
	}

	dir, idx, err := openDirectory(dataDir, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Engine{dir: dir, idx: idx, cfg: cfg}, nil
}

// Get returns the value for key. A missing or tombstoned key, and a key
// whose record failed to read or validate from disk, are all reported
// identically as ErrKeyNotFound; the latter case is additionally logged,
// favoring availability over strict failure on a corrupt record.
func (e *Engine) Get(key []byte) ([]byte, error) {
	entry, ok := e.idx.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	val, err := e.dir.readAt(entry)
	if err != nil {
		e.cfg.Logger.Warn("get: read failed, reporting key as absent",
			zap.Binary("key", key),
			zap.Int("segment_id", entry.SegmentID),
			zap.Int64("offset", entry.Offset),
			zap.Error(err))
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// Put appends a live record for key and updates the index.
func (e *Engine) Put(key, value []byte) error {
	return e.write(key, value, false)
}

// PutIfAbsent fails with ErrKeyExists if key currently holds a live value;
// otherwise it behaves like Put.
func (e *Engine) PutIfAbsent(key, value []byte) error {
	if _, ok := e.idx.Get(key); ok {
		return ErrKeyExists
	}
	return e.write(key, value, false)
}

// PutIfPresent fails with ErrKeyNotFound if key is absent or tombstoned;
// otherwise it behaves like Put.
func (e *Engine) PutIfPresent(key, value []byte) error {
	if _, ok := e.idx.Get(key); !ok {
		return ErrKeyNotFound
	}
	return e.write(key, value, false)
}

// Delete appends a tombstone record for key unconditionally — deleting an
// absent key is not an error — and removes key from the index.
func (e *Engine) Delete(key []byte) error {
	return e.write(key, nil, true)
}

// Size returns the number of live keys currently tracked.
func (e *Engine) Size() int {
	return e.idx.Size()
}

func (e *Engine) write(key, value []byte, tombstone bool) error {
	entry, err := e.dir.append(key, value, tombstone, e.cfg.SyncOnWrite)
	if err != nil {
		return err
	}

	if tombstone {
		e.idx.Delete(key)
	} else {
		e.idx.Put(key, entry)
	}

	if e.dir.active().Size() < e.cfg.SegmentSizeThreshold {
		return nil
	}
	seg, err := e.dir.roll()
	if err != nil {
		return err
	}
	e.cfg.Logger.Info("segment rolled", zap.Int("new_segment_id", seg.ID))
	return nil
}

// Close releases every open segment file handle.
func (e *Engine) Close() error {
	return e.dir.close()
}

// DataDir returns the directory the engine is currently serving from. It
// changes after a successful CompactTo.
func (e *Engine) DataDir() string {
	return e.dir.root
}

