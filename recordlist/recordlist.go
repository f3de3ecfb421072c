// Package recordlist implements the sorted, prefix-compressed sequence of
// (partial_key, position) entries that backs a single bucket.
//
// It is pure data: decoding, point lookup, and the search and splice
// primitives the index package's insert-or-update is built on; no I/O. Grounded on the teacher's store/index/recordlist.go, but the wire
// layout is changed to the specification's key_len||key_bytes||position
// framing (the teacher stores position||size||key_len||key_bytes) and the
// fixed trailing size field is dropped since this design has no notion of
// primary record size.
package recordlist

import (
	"bytes"
	"encoding/binary"

	"github.com/vmx/storethehash/types"
)

// PositionBytes is the byte width of the position field in an entry.
const PositionBytes = 8

// KeyLenBytes is the byte width of the partial-key length prefix.
const KeyLenBytes = 1

// MaxKeyLen is the largest partial key length an entry may declare, since
// the length prefix is a single byte.
const MaxKeyLen = 255

// Entry is one decoded (partial_key, position) pair plus its byte offset
// within the record list, the offset being how callers splice in
// replacements without re-encoding the whole list.
type Entry struct {
	Pos      int
	Key      []byte
	Position types.Position
}

// size returns the encoded byte length of the entry.
func (e Entry) size() int {
	return KeyLenBytes + len(e.Key) + PositionBytes
}

// RecordList is the raw payload bytes of one bucket's record list, in the
// sorted, prefix-compressed entry format of spec.md §6.
type RecordList []byte

// Len returns the byte length of the record list.
func (rl RecordList) Len() int { return len(rl) }

// Empty reports whether the record list has no entries.
func (rl RecordList) Empty() bool { return len(rl) == 0 }

// ReadEntry decodes a single entry starting at pos. pos must point at the
// key_len byte of an entry.
func (rl RecordList) ReadEntry(pos int) (Entry, error) {
	if pos >= len(rl) {
		return Entry{}, types.ErrMalformedEntry
	}
	keyLen := int(rl[pos])
	keyStart := pos + KeyLenBytes
	keyEnd := keyStart + keyLen
	posEnd := keyEnd + PositionBytes
	if posEnd > len(rl) {
		return Entry{}, types.ErrMalformedEntry
	}
	return Entry{
		Pos:      pos,
		Key:      rl[keyStart:keyEnd],
		Position: types.Position(binary.LittleEndian.Uint64(rl[keyEnd:posEnd])),
	}, nil
}

// NextPos returns the byte offset of the entry immediately following e.
func (e Entry) NextPos() int {
	return e.Pos + e.size()
}

// Iter is a forward, single-pass, restartable cursor over a record list's
// entries.
type Iter struct {
	rl  RecordList
	pos int
}

// Iter returns a fresh iterator positioned at the first entry.
func (rl RecordList) Iter() *Iter { return &Iter{rl, 0} }

// Done reports whether the iterator has exhausted the record list.
func (it *Iter) Done() bool { return it.pos >= len(it.rl) }

// Next decodes and returns the next entry, advancing the cursor.
func (it *Iter) Next() (Entry, error) {
	e, err := it.rl.ReadEntry(it.pos)
	if err != nil {
		return Entry{}, err
	}
	it.pos = e.NextPos()
	return e, nil
}

// Get performs the point lookup described in spec.md §4.2: it returns the position stored for the entry whose partial_key is a
// prefix of trimmedKey, or false if no entry matches.
//
// Because stored keys are pairwise non-prefixing and sorted, at most one
// entry can match; a linear scan with early exit is used here exactly as
// the teacher's Get does, rather than a literal binary search, since the
// decode cost of walking variable-length entries dominates either way.
func (rl RecordList) Get(trimmedKey []byte) (types.Position, bool) {
	it := rl.Iter()
	var pos types.Position
	var found bool
	for !it.Done() {
		e, err := it.Next()
		if err != nil {
			break
		}
		if bytes.HasPrefix(trimmedKey, e.Key) {
			pos = e.Position
			found = true
		} else if bytes.Compare(e.Key, trimmedKey) > 0 {
			break
		}
	}
	return pos, found
}

// FindPrefixMatch scans for the entry whose partial_key is a prefix of
// trimmedKey, the same candidate Get would resolve to, but returning the
// full Entry (including its byte offset) so a caller can splice over it.
func (rl RecordList) FindPrefixMatch(trimmedKey []byte) (Entry, bool) {
	it := rl.Iter()
	var match Entry
	var found bool
	for !it.Done() {
		e, err := it.Next()
		if err != nil {
			break
		}
		if bytes.HasPrefix(trimmedKey, e.Key) {
			match = e
			found = true
		} else if bytes.Compare(e.Key, trimmedKey) > 0 {
			break
		}
	}
	return match, found
}

// FindInsertionPoint scans the record list for where trimmedKey would be
// inserted, returning the byte offset of the first entry whose key sorts
// after trimmedKey (or Len(rl) if none does), plus the immediately
// preceding entry if one exists.
func (rl RecordList) FindInsertionPoint(trimmedKey []byte) (pos int, prev Entry, hasPrev bool) {
	it := rl.Iter()
	for !it.Done() {
		e, err := it.Next()
		if err != nil {
			break
		}
		if bytes.Compare(e.Key, trimmedKey) > 0 {
			return e.Pos, prev, hasPrev
		}
		prev = e
		hasPrev = true
	}
	return len(rl), prev, hasPrev
}

// Splice replaces the byte range [start, end) with the encoding of
// entries, in order, and returns the new record list. Used both for plain
// inserts (start == end) and for updates or neighbor-key extensions
// (start..end covers one or more existing entries being replaced).
func (rl RecordList) Splice(entries []Entry, start, end int) (RecordList, error) {
	out := make([]byte, 0, len(rl)-(end-start)+len(entries)*(KeyLenBytes+PositionBytes+32))
	out = append(out, rl[:start]...)
	for _, e := range entries {
		enc, err := Encode(e.Key, e.Position)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	out = append(out, rl[end:]...)
	return RecordList(out), nil
}

// Encode produces the wire bytes for a single entry: key_len || key ||
// position, little-endian. It rejects keys longer than MaxKeyLen, since
// the length prefix is a single byte.
func Encode(key []byte, pos types.Position) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return nil, types.ErrMalformedEntry
	}
	out := make([]byte, 0, KeyLenBytes+len(key)+PositionBytes)
	out = append(out, byte(len(key)))
	out = append(out, key...)
	var posBuf [PositionBytes]byte
	binary.LittleEndian.PutUint64(posBuf[:], uint64(pos))
	out = append(out, posBuf[:]...)
	return out, nil
}

// New builds a single-entry record list with the shortest possible stored
// key: the first byte of trimmedKey, per spec.md §4.3's rule for the
// first key ever inserted into an empty bucket.
func New(trimmedKey []byte, pos types.Position) (RecordList, error) {
	n := 1
	if len(trimmedKey) < n {
		n = len(trimmedKey)
	}
	enc, err := Encode(trimmedKey[:n], pos)
	if err != nil {
		return nil, err
	}
	return RecordList(enc), nil
}

// FirstNonCommonByte returns the index of the first byte at which a and b
// differ, or the length of the shorter slice if one is a prefix of the
// other. Exported for the index package's neighbor-aware insert logic.
func FirstNonCommonByte(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
