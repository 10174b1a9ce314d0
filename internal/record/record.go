// Package record implements the on-disk encoding of a single log entry: the
// record codec described as component A of the storage engine.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed size of a record's header: a 4-byte checksum
// followed by two 8-byte big-endian lengths.
const HeaderLen = 4 + 8 + 8

// ErrCorrupt is returned by Decode when a record fails its checksum, or when
// a header or body is truncated in a way that isn't explainable as a
// crash-torn tail record.
var ErrCorrupt = errors.New("record: corrupt")

// Record is one key-value entry as it appears in a segment file. A
// tombstone is a Record whose Value is nil; a live record with an empty
// value has a non-nil, zero-length Value. The two are never conflated.
type Record struct {
	Key   []byte
	Value []byte
}

// NewLive builds a live record. value may be empty but must not be nil;
// nil is reserved for tombstones.
func NewLive(key, value []byte) Record {
	if value == nil {
		value = []byte{}
	}
	return Record{Key: key, Value: value}
}

// NewTombstone builds a tombstone record for key.
func NewTombstone(key []byte) Record {
	return Record{Key: key, Value: nil}
}

// IsTombstone reports whether r marks key as deleted.
func (r Record) IsTombstone() bool { return r.Value == nil }

// ValueOffset returns the offset, relative to the start of the record, at
// which the value bytes begin.
func ValueOffset(keyLen int) int64 { return int64(HeaderLen + keyLen) }

// EncodedLen returns the total on-disk size of r.
func (r Record) EncodedLen() int64 {
	return int64(HeaderLen+len(r.Key)) + int64(len(r.Value))
}

// Encode writes r to w as [4-byte checksum][8-byte keyLen][8-byte valLen]
// [key][value]. It does not flush w; callers that need durability must do
// so themselves after Encode returns.
func (r Record) Encode(w io.Writer) (int64, error) {
	valLen := len(r.Value)
	if r.IsTombstone() {
		valLen = 0
	}

	buf := make([]byte, HeaderLen+len(r.Key))
	var sum uint32
	if !r.IsTombstone() {
		sum = checksum(r.Value)
	}
	binary.BigEndian.PutUint32(buf[0:4], sum)
	binary.BigEndian.PutUint64(buf[4:12], uint64(len(r.Key)))
	binary.BigEndian.PutUint64(buf[12:20], uint64(valLen))
	copy(buf[HeaderLen:], r.Key)

	n, err := w.Write(buf)
	if err != nil {
		return int64(n), err
	}
	total := int64(n)

	if !r.IsTombstone() && valLen > 0 {
		vn, err := w.Write(r.Value)
		total += int64(vn)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Decode reads exactly one record from r. isEOFTolerant controls how a
// truncated header or body is reported: when true (segment replay) a
// truncation surfaces as io.ErrUnexpectedEOF so the caller can decide
// whether to treat it as a crash-torn tail rather than fatal corruption;
// when false it is wrapped in ErrCorrupt like any other malformed record.
func Decode(r io.Reader, isEOFTolerant bool) (Record, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// clean boundary: no bytes of a new record were present at all.
			return Record{}, io.EOF
		}
		if isEOFTolerant && errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.ErrUnexpectedEOF
		}
		return Record{}, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}

	checksumWant := binary.BigEndian.Uint32(hdr[0:4])
	keyLen := binary.BigEndian.Uint64(hdr[4:12])
	valLen := binary.BigEndian.Uint64(hdr[12:20])

	body := make([]byte, keyLen+valLen)
	if _, err := io.ReadFull(r, body); err != nil {
		// any truncation once the header has been read (even a "clean" EOF
		// here is a partial record) means a crash interrupted the body.
		if isEOFTolerant && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return Record{}, io.ErrUnexpectedEOF
		}
		return Record{}, fmt.Errorf("%w: read key+value: %v", ErrCorrupt, err)
	}

	key := body[:keyLen]
	var value []byte
	switch {
	case valLen > 0:
		value = body[keyLen:]
		if got := checksum(value); got != checksumWant {
			return Record{}, fmt.Errorf("%w: checksum mismatch: want %08x got %08x", ErrCorrupt, checksumWant, got)
		}
	case checksumWant == 0:
		// tombstone: Encode never computes a checksum for one, leaving the
		// field zero.
		value = nil
	case checksumWant == emptyValueChecksum:
		// a live record whose value is the empty string. Its checksum is
		// CRC-32/CKSUM of zero bytes, a fixed non-zero constant, which is
		// exactly what distinguishes it from a tombstone on the wire.
		value = []byte{}
	default:
		return Record{}, fmt.Errorf("%w: unrecognized checksum %08x for zero-length value", ErrCorrupt, checksumWant)
	}

	return Record{Key: key, Value: value}, nil
}
