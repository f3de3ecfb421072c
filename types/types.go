// Package types holds the small value types and error taxonomy shared by
// every package in the module: the index, the record list, the bucket
// table, and the primary collaborators.
package types

import "fmt"

// Position is an opaque 64-bit offset into a primary store. The index
// never interprets it beyond storing and returning it.
type Position uint64

// Work counts bytes written but not yet flushed, the same unit the
// teacher's Index and FreeList track to decide when to force a sync.
type Work uint64

// errorType implements a comparable sentinel error, mirroring the
// teacher's store/types/errors.go pattern instead of plain
// errors.New values, so callers can switch on err == types.ErrKeyTooShort.
type errorType string

func (e errorType) Error() string { return string(e) }

const (
	// ErrKeyTooShort is returned when a key is shorter than the number of
	// leading bytes the bucket table needs to route it.
	ErrKeyTooShort = errorType("key is too short for the configured bucket size")
	// ErrBucketBitsOutOfRange is returned when bucket_bits is not in [1, 32].
	ErrBucketBitsOutOfRange = errorType("bucket bits must be between 1 and 32")
	// ErrMalformedEntry is returned when a record list cannot be decoded:
	// a declared key length overruns the payload, or the payload is
	// truncated mid entry.
	ErrMalformedEntry = errorType("malformed record list entry")
	// ErrOutOfBounds is returned by primary collaborators when asked for
	// a position past their current length.
	ErrOutOfBounds = errorType("position out of bounds")
	// ErrClosed is returned by Index.Put when called after Close.
	ErrClosed = errorType("index is closed")
)

// ErrBucketBitsMismatch is returned by Open when an existing index file's
// header disagrees with the bucket_bits the caller asked for.
type ErrBucketBitsMismatch struct {
	FileBits      byte
	RequestedBits byte
}

func (e ErrBucketBitsMismatch) Error() string {
	return fmt.Sprintf("index file has bucket_bits=%d, requested bucket_bits=%d", e.FileBits, e.RequestedBits)
}
