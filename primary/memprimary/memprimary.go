// Package memprimary is an in-memory primary.Storage, useful for tests and
// for embedding the index in a process that already keeps values in
// memory. Grounded on the teacher's
// gsfa/store/primary/inmemory/inmemory.go, nearly a 1:1 port since that
// file already implements exactly the interface this module needs.
package memprimary

import (
	"io"

	"github.com/vmx/storethehash/primary"
	"github.com/vmx/storethehash/types"
)

type entry struct {
	key   []byte
	value []byte
}

// MemPrimary stores every key/value pair appended to it in a slice,
// indexed by insertion order. Position N is the N-th entry counting from
// zero, seeded entries from New first, then Put calls.
type MemPrimary []entry

// New returns a MemPrimary seeded with the given key/value pairs.
func New(data [][2][]byte) *MemPrimary {
	m := make(MemPrimary, 0, len(data))
	for _, kv := range data {
		m = append(m, entry{kv[0], kv[1]})
	}
	return &m
}

func (m *MemPrimary) Get(pos types.Position) (key, value []byte, err error) {
	if int(pos) >= len(*m) {
		return nil, nil, types.ErrOutOfBounds
	}
	e := (*m)[pos]
	return e.key, e.value, nil
}

func (m *MemPrimary) GetKeyValue(pos types.Position) (key, value []byte, err error) {
	return m.Get(pos)
}

func (m *MemPrimary) Put(key, value []byte) (types.Position, error) {
	pos := types.Position(len(*m))
	*m = append(*m, entry{key, value})
	return pos, nil
}

func (m *MemPrimary) IndexKey(pos types.Position) ([]byte, error) {
	key, _, err := m.Get(pos)
	return key, err
}

func (m *MemPrimary) Flush() (types.Work, error) { return 0, nil }
func (m *MemPrimary) Sync() error                { return nil }
func (m *MemPrimary) Close() error               { return nil }
func (m *MemPrimary) OutstandingWork() types.Work { return 0 }
func (m *MemPrimary) StorageSize() (int64, error) { return 0, nil }

func (m *MemPrimary) Iter() (primary.Iterator, error) {
	return &memIter{m, 0}, nil
}

type memIter struct {
	m   *MemPrimary
	idx int
}

func (it *memIter) Next() ([]byte, []byte, error) {
	key, value, err := it.m.Get(types.Position(it.idx))
	if err == types.ErrOutOfBounds {
		return nil, nil, io.EOF
	}
	if err != nil {
		return nil, nil, err
	}
	it.idx++
	return key, value, nil
}

var _ primary.Storage = (*MemPrimary)(nil)
