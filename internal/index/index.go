// Package index implements the in-memory key → location mapping
// described as component D of the storage engine.
package index

import (
	"bytes"
	"sort"
)

// Entry is the location of a key's most recent live record: which segment
// it lives in, and the byte range of its value within that segment.
type Entry struct {
	SegmentID int
	Offset    int64
	Length    int64
}

// Index maps keys to their most recent live location. It is not safe for
// concurrent use; callers serialize access externally (the storage
// engine's shared handle does this with a reader/writer lock).
type Index struct {
	entries map[string]Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Get looks up key, reporting whether it is currently tracked.
func (ix *Index) Get(key []byte) (Entry, bool) {
	e, ok := ix.entries[string(key)]
	return e, ok
}

// Put records e as key's current location, returning the entry it
// replaced, if any.
func (ix *Index) Put(key []byte, e Entry) (Entry, bool) {
	prev, had := ix.entries[string(key)]
	ix.entries[string(key)] = e
	return prev, had
}

// Delete removes key from the index, returning the entry it held, if any.
// A deleted key is indistinguishable from one that was never indexed: the
// durability story for "this key used to exist" lives in the on-disk
// tombstone record, not in this in-memory structure.
func (ix *Index) Delete(key []byte) (Entry, bool) {
	prev, had := ix.entries[string(key)]
	delete(ix.entries, string(key))
	return prev, had
}

// Size returns the number of keys currently tracked.
func (ix *Index) Size() int { return len(ix.entries) }

// Each calls fn once for every entry, in ascending lexicographic order of
// key, stopping early if fn returns false. Ordering exists to make
// compaction output deterministic and tests reproducible; it is not a
// public range-scan facility.
func (ix *Index) Each(fn func(key []byte, e Entry) bool) {
	keys := make([]string, 0, len(ix.entries))
	for k := range ix.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare([]byte(keys[i]), []byte(keys[j])) < 0
	})

	for _, k := range keys {
		if !fn([]byte(k), ix.entries[k]) {
			return
		}
	}
}
