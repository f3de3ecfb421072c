// Package primary defines the contract the index consumes from an
// external key/value store addressed by position, plus the lifecycle
// methods a real on-disk collaborator needs (flush, sync, close,
// iteration, storage size). Grounded on the teacher's
// gsfa/store/primary/primary.go interface.
package primary

import "github.com/vmx/storethehash/types"

// Storage is the external key/value store the index is built on top of.
// The index never interprets values; it only stores and compares keys
// and carries positions opaquely.
type Storage interface {
	// IndexKey returns the key the index should use for the given
	// position. Used during neighbor-key recovery in record list
	// insertion (spec.md §4.2 step 4). Cheap by contract.
	IndexKey(pos types.Position) ([]byte, error)

	// GetKeyValue returns the full key and value stored at pos. Used on
	// a Get hit and during update verification.
	GetKeyValue(pos types.Position) (key []byte, value []byte, err error)

	// Put stores a key/value pair and returns the position it was
	// stored at. Called by the caller before Index.Put, never by the
	// index itself.
	Put(key, value []byte) (types.Position, error)

	Flush() (types.Work, error)
	Sync() error
	Close() error
	OutstandingWork() types.Work

	Iter() (Iterator, error)
	StorageSize() (int64, error)
}

// Iterator walks every key/value pair a Storage holds.
type Iterator interface {
	// Next returns io.EOF when exhausted.
	Next() (key []byte, value []byte, err error)
}
