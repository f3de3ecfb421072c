package index

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmx/storethehash/bucket"
	"github.com/vmx/storethehash/recordlist"
)

// Iterator walks every record-list frame in the index file in file order,
// for diagnostics and for an external compactor deciding what to rewrite.
// Grounded on the teacher's RawIterator/Iterator pair (store/index/index.go),
// collapsed into one type since this design has no multi-file sharding to
// track across.
type Iterator struct {
	idx *Index
	pos int64
}

// Iterate returns a fresh iterator positioned at the first record list.
func (idx *Index) Iterate() *Iterator {
	return &Iterator{idx: idx, pos: headerSize}
}

// IterEntry is one frame surfaced by Iterator.Next.
type IterEntry struct {
	Bucket bucket.Index
	Offset int64 // offset of the payload bytes, matching the bucket table's convention
	Record recordlist.RecordList
}

// Next returns the next frame, or io.EOF when the iterator reaches the
// current end of file.
func (it *Iterator) Next() (IterEntry, error) {
	fi, err := it.idx.file.Stat()
	if err != nil {
		return IterEntry{}, err
	}
	if it.pos >= fi.Size() {
		return IterEntry{}, io.EOF
	}
	hdrBuf := make([]byte, frameHeaderSize)
	if _, err := it.idx.file.ReadAt(hdrBuf, it.pos); err != nil {
		return IterEntry{}, fmt.Errorf("reading index frame header: %w", err)
	}
	length := binary.LittleEndian.Uint32(hdrBuf[:lengthPrefixSize])
	bucketIdx := binary.LittleEndian.Uint32(hdrBuf[lengthPrefixSize:])
	payloadStart := it.pos + frameHeaderSize
	payload := make([]byte, length)
	if _, err := it.idx.file.ReadAt(payload, payloadStart); err != nil {
		return IterEntry{}, fmt.Errorf("reading record list payload: %w", err)
	}
	entry := IterEntry{
		Bucket: bucket.Index(bucketIdx),
		Offset: payloadStart,
		Record: recordlist.RecordList(payload),
	}
	it.pos = payloadStart + int64(length)
	return entry, nil
}
