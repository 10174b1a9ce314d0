// Package caskdb is an embeddable, single-node, crash-safe Bitcask-style
// key-value store: an append-only log of records per directory, a
// memory-resident index of key locations, and a compaction routine that
// reclaims space taken up by overwritten and deleted keys.
package caskdb

import (
	"fmt"
	"sync"

	"github.com/relaycore/caskdb/internal/store"
)

// Handle is the front door onto a store: every operation is safe for
// concurrent use across every Handle cloned from the same Open call.
// Reads take the shared side of a reader/writer lock and run concurrently
// with each other; writes and CompactTo take the exclusive side and
// serialize against everything else.
type Handle struct {
	shared *shared
}

// shared is the state every clone of a Handle points at. It is never
// copied; Handle.Clone copies the Handle value (a single pointer), not
// this struct.
type shared struct {
	rw     sync.RWMutex
	engine *store.Engine
}

// Open opens (or creates, if absent) a store rooted at dataDir, replaying
// every segment found there into a fresh in-memory index. Closing the
// returned Handle, or any clone of it, closes the store for all of them.
func Open(dataDir string, opts ...Option) (Handle, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := store.Open(dataDir, store.Config{
		SegmentSizeThreshold: cfg.segmentSizeThreshold,
		SyncOnWrite:          cfg.syncOnWrite,
		Logger:               cfg.logger,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("caskdb: open %q: %w", dataDir, err)
	}

	return Handle{shared: &shared{engine: engine}}, nil
}

// Clone returns a Handle over the same underlying store. Clones share the
// same reader/writer lock, so writes issued through any clone serialize
// against writes and reads issued through any other.
func (h Handle) Clone() Handle {
	return Handle{shared: h.shared}
}

// Get returns the current value of key, or ErrKeyNotFound if it is absent,
// tombstoned, or its record could not be read back from disk.
func (h Handle) Get(key []byte) ([]byte, error) {
	h.shared.rw.RLock()
	defer h.shared.rw.RUnlock()

	val, err := h.shared.engine.Get(key)
	if err != nil {
		return nil, fmt.Errorf("caskdb: get: %w", err)
	}
	return val, nil
}

// Put unconditionally sets key to value, overwriting any prior value.
func (h Handle) Put(key, value []byte) error {
	h.shared.rw.Lock()
	defer h.shared.rw.Unlock()

	if err := h.shared.engine.Put(key, value); err != nil {
		return fmt.Errorf("caskdb: put: %w", err)
	}
	return nil
}

// PutIfAbsent sets key to value only if key currently holds no live
// value, failing with ErrKeyExists otherwise.
func (h Handle) PutIfAbsent(key, value []byte) error {
	h.shared.rw.Lock()
	defer h.shared.rw.Unlock()

	if err := h.shared.engine.PutIfAbsent(key, value); err != nil {
		return fmt.Errorf("caskdb: put if absent: %w", err)
	}
	return nil
}

// PutIfPresent sets key to value only if key currently holds a live
// value, failing with ErrKeyNotFound otherwise.
func (h Handle) PutIfPresent(key, value []byte) error {
	h.shared.rw.Lock()
	defer h.shared.rw.Unlock()

	if err := h.shared.engine.PutIfPresent(key, value); err != nil {
		return fmt.Errorf("caskdb: put if present: %w", err)
	}
	return nil
}

// Delete tombstones key. Deleting an absent key is not an error.
func (h Handle) Delete(key []byte) error {
	h.shared.rw.Lock()
	defer h.shared.rw.Unlock()

	if err := h.shared.engine.Delete(key); err != nil {
		return fmt.Errorf("caskdb: delete: %w", err)
	}
	return nil
}

// Size returns the number of live keys currently tracked.
func (h Handle) Size() int {
	h.shared.rw.RLock()
	defer h.shared.rw.RUnlock()

	return h.shared.engine.Size()
}

// CompactTo rewrites the store into newDir, retaining only each key's
// current live value, and switches every clone of this Handle over to it.
// newDir must not already exist.
//
// The exclusive lock is taken twice rather than for the whole compaction:
// for freezing the active segment (step 1, held just long enough to roll it)
// and for finalizing the swap (steps 4-5, held while copying the handful of
// segments written during compaction and reopening the new directory).
// The expensive replay-and-rewrite step (step 3) runs unlocked, so writers
// and readers are only stalled for the duration of two short, bounded
// operations rather than for the whole compaction.
func (h Handle) CompactTo(newDir string) error {
	h.shared.rw.Lock()
	f, err := h.shared.engine.Freeze()
	h.shared.rw.Unlock()
	if err != nil {
		return fmt.Errorf("caskdb: compact: freeze: %w", err)
	}

	out, err := h.shared.engine.BuildCompactedOutput(newDir, f)
	if err != nil {
		return fmt.Errorf("caskdb: compact: build output: %w", err)
	}

	h.shared.rw.Lock()
	defer h.shared.rw.Unlock()
	if err := h.shared.engine.FinalizeCompaction(newDir, f, out); err != nil {
		return fmt.Errorf("caskdb: compact: finalize: %w", err)
	}
	return nil
}

// Close releases every open segment file handle. It is safe to call once
// per Open; calling it again, or through a clone after another clone has
// already closed it, will fail on the now-closed file descriptors.
func (h Handle) Close() error {
	h.shared.rw.Lock()
	defer h.shared.rw.Unlock()

	if err := h.shared.engine.Close(); err != nil {
		return fmt.Errorf("caskdb: close: %w", err)
	}
	return nil
}
