package caskdb

import (
	"github.com/relaycore/caskdb/internal/record"
	"github.com/relaycore/caskdb/internal/store"
)

// Sentinel errors every operation is guaranteed to report via errors.Is,
// wrapped with whatever contextual detail the failing call adds.
var (
	// ErrKeyNotFound is returned by Get and PutIfPresent when the key is
	// absent or tombstoned, and by Get when its record cannot be read back.
	ErrKeyNotFound = store.ErrKeyNotFound
	// ErrKeyExists is returned by PutIfAbsent when the key already holds a
	// live value.
	ErrKeyExists = store.ErrKeyExists
	// ErrCorrupt is returned by Open when a segment's body fails its
	// checksum during replay — data loss that a crash-torn tail truncation
	// cannot explain away.
	ErrCorrupt = record.ErrCorrupt
	// ErrUnexpected marks an internal invariant violation.
	ErrUnexpected = store.ErrUnexpected
)
