// Package garbage implements a read-only accounting ledger of the
// record-list spans an Index has retired by appending a replacement.
//
// It never rewrites or deletes the retired bytes itself: spec.md treats
// automated compaction as an explicit non-goal of the core engine, and
// this ledger exists only to tell a human or an external compactor how
// much of the index file is reclaimable and where.
//
// Grounded on the teacher's store/freelist/freelist.go, which appends
// (offset, size) pairs to its own file as the unit of work for an active
// GC cycle; this package keeps the same append-only (offset, length)
// record shape but drops the GC-cycle machinery (ToGC, Iterator replay
// into a collector) since there is no collector here, only accounting.
package garbage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	offsetBytes = 8
	lengthBytes = 8
	recordBytes = offsetBytes + lengthBytes

	bufferSize = 16 * 4096
)

// Span is one retired record-list frame: byte offset of its length
// prefix and its total encoded length (header plus payload).
type Span struct {
	Offset int64
	Length int64
}

// Ledger records retired spans to an append-only file and tracks the
// running total of reclaimable bytes in memory.
type Ledger struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	total  int64
}

// Open opens or creates the ledger file at path.
func Open(path string) (*Ledger, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening garbage ledger: %w", err)
	}
	l := &Ledger{
		file:   file,
		writer: bufio.NewWriterSize(file, bufferSize),
	}
	if err := l.loadTotal(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) loadTotal() error {
	it, err := l.Iter()
	if err != nil {
		return err
	}
	for {
		span, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		l.total += span.Length
	}
}

// Retire records that the frame at offset, of the given length, has been
// superseded and is now reclaimable. Implements index.GarbageSink.
func (l *Ledger) Retire(offset int64, length int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf [recordBytes]byte
	binary.LittleEndian.PutUint64(buf[:offsetBytes], uint64(offset))
	binary.LittleEndian.PutUint64(buf[offsetBytes:], uint64(length))
	if _, err := l.writer.Write(buf[:]); err != nil {
		// The ledger is diagnostic accounting, not the index's durability
		// path; on a write failure the span is dropped and the total is
		// left unchanged, and no error is reported.
		return
	}
	l.total += length
}

// Reclaimable returns the running total of bytes recorded as retired.
func (l *Ledger) Reclaimable() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Flush writes buffered spans to disk.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Flush()
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	if err := l.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Iter returns an iterator over every span written to the ledger file,
// from its start. Spans still buffered (not yet flushed) are not seen.
func (l *Ledger) Iter() (*Iterator, error) {
	r := io.NewSectionReader(l.file, 0, 1<<62)
	return &Iterator{reader: r}, nil
}

// Iterator walks the ledger's recorded spans in append order.
type Iterator struct {
	reader io.Reader
}

// Next returns the next recorded span, or io.EOF when exhausted.
func (it *Iterator) Next() (Span, error) {
	var buf [recordBytes]byte
	if _, err := io.ReadFull(it.reader, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Span{}, errors.Wrap(io.EOF, "truncated garbage ledger record")
		}
		return Span{}, err
	}
	return Span{
		Offset: int64(binary.LittleEndian.Uint64(buf[:offsetBytes])),
		Length: int64(binary.LittleEndian.Uint64(buf[offsetBytes:])),
	}, nil
}
