// Package index owns the append-only index file and the in-memory bucket
// table, and implements the put/get protocol described in spec.md
// §4.3/§6: every bucket's record list is immutable once written, a put
// appends a replacement and republishes the bucket's offset, and a get
// routes to a bucket, loads its current record list, and verifies the
// match against the primary.
//
// Grounded on the teacher's store/index/index.go, simplified to a single
// continuous file (no multi-file rotation), no automated GC, and no
// deletion, per spec.md's concurrency/deletion/compaction non-goals. The
// buffered-writer-over-os.File structure and the logger field follow the
// teacher's Index exactly.
package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vmx/storethehash/bucket"
	"github.com/vmx/storethehash/primary"
	"github.com/vmx/storethehash/recordlist"
	"github.com/vmx/storethehash/types"
)

var log = logging.Logger("storethehash/index")

const (
	// lengthPrefixSize is the width of the u32 LE payload-length field
	// that precedes every appended record list.
	lengthPrefixSize = 4
	// bucketFieldSize is the width of the u32 LE bucket index recorded
	// alongside each appended record list. The specification's payload
	// format (spec.md §6) carries no bucket information of its own, since
	// the leading bucket bytes are stripped from every stored key; this
	// field is what lets Open's replay rebuild the bucket table by
	// scanning the file head-to-tail without decoding entries, matching
	// the teacher's own choice to prefix each stored record-list blob
	// with its raw bucket bytes (store/index/recordlist.go's
	// BucketPrefixSize).
	bucketFieldSize = 4
	// frameHeaderSize is the combined length+bucket prefix before a
	// record list's payload bytes.
	frameHeaderSize = lengthPrefixSize + bucketFieldSize
	// headerSize is the one-byte bucket_bits header at the start of the
	// file.
	headerSize = 1

	// bufferSize is the size of the buffered writer, matching the
	// teacher's indexBufferSize (one page-aligned chunk of typical OS
	// readahead).
	bufferSize = 16 * 4096
)

// RecoveryReport describes what Open discarded while replaying a file
// whose tail was torn by an unclean shutdown.
type RecoveryReport struct {
	BytesDiscarded int64
	LastGoodOffset int64
}

// Index owns the append-only index file and the in-memory bucket table.
// It is not safe for concurrent use: spec.md's concurrency model is
// single-writer, reads serialized with writes, and this type does not
// guard against concurrent callers itself.
type Index struct {
	bits    uint8
	table   *bucket.Table
	primary primary.Storage

	file   *os.File
	writer *bufio.Writer
	length int64 // current file size, including any buffered-but-unflushed bytes

	outstanding types.Work
	garbage     GarbageSink
	syncOnFlush bool

	path   string
	closed bool
}

// Open opens or creates the index file at path. If the file is new, it is
// initialized with the given bucket_bits; if it exists, its header must
// agree with bucket_bits or ErrBucketBitsMismatch is returned.
//
// Open replays the file to rebuild the bucket table. If the tail is torn
// (a partial frame header or a truncated payload, the signature of a
// crash mid-append), the file is truncated to the last good record
// boundary and the discarded span is reported in the returned
// RecoveryReport.
func Open(path string, bits uint8, prim primary.Storage, opts ...Option) (*Index, *RecoveryReport, error) {
	if bits < 1 || bits > 32 {
		return nil, nil, types.ErrBucketBitsOutOfRange
	}
	cfg := config{syncOnFlush: defaultSyncOnFlush}
	cfg.apply(opts)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening index file: %w", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("stat index file: %w", err)
	}

	table := bucket.New(bits)
	var report RecoveryReport

	if fi.Size() == 0 {
		if _, err := file.Write([]byte{bits}); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("writing index header: %w", err)
		}
	} else {
		hdr := make([]byte, headerSize)
		if _, err := io.ReadFull(file, hdr); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("reading index header: %w", err)
		}
		if hdr[0] != bits {
			file.Close()
			return nil, nil, types.ErrBucketBitsMismatch{FileBits: hdr[0], RequestedBits: bits}
		}
	}

	finalLen, discarded, err := replay(file, fi.Size(), table)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if discarded > 0 {
		if err := file.Truncate(finalLen); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("truncating torn index tail: %w", err)
		}
		log.Warnw("truncated torn index tail", "bytesDiscarded", discarded, "lastGoodOffset", finalLen)
	}
	report = RecoveryReport{BytesDiscarded: discarded, LastGoodOffset: finalLen}

	if _, err := file.Seek(finalLen, io.SeekStart); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("seeking to index tail: %w", err)
	}

	idx := &Index{
		bits:        bits,
		table:       table,
		primary:     prim,
		file:        file,
		writer:      bufio.NewWriterSize(file, bufferSize),
		length:      finalLen,
		garbage:     cfg.garbage,
		syncOnFlush: cfg.syncOnFlush,
		path:        path,
	}
	return idx, &report, nil
}

// replay scans the file from the header to EOF, rebuilding table. It
// returns the offset of the last good record boundary and the number of
// trailing bytes that did not form a complete frame.
func replay(file *os.File, size int64, table *bucket.Table) (goodOffset int64, discarded int64, err error) {
	pos := int64(headerSize)
	hdrBuf := make([]byte, frameHeaderSize)
	for pos < size {
		if size-pos < frameHeaderSize {
			return pos, size - pos, nil
		}
		if _, err := file.ReadAt(hdrBuf, pos); err != nil {
			return 0, 0, fmt.Errorf("reading index frame header: %w", err)
		}
		length := binary.LittleEndian.Uint32(hdrBuf[:lengthPrefixSize])
		bucketIdx := binary.LittleEndian.Uint32(hdrBuf[lengthPrefixSize:])
		payloadStart := pos + frameHeaderSize
		payloadEnd := payloadStart + int64(length)
		if payloadEnd > size {
			return pos, size - pos, nil
		}
		table.Put(bucket.Index(bucketIdx), types.Position(payloadStart))
		pos = payloadEnd
	}
	return pos, 0, nil
}

// Close flushes and closes the index file.
func (idx *Index) Close() error {
	if idx.closed {
		return nil
	}
	idx.closed = true
	if _, err := idx.Flush(); err != nil {
		idx.file.Close()
		return err
	}
	return idx.file.Close()
}

// Flush forces buffered writes to the OS, and, if configured with
// WithSyncOnFlush, fsyncs the file. It returns the amount of outstanding
// work that was flushed.
func (idx *Index) Flush() (types.Work, error) {
	if err := idx.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flushing index writer: %w", err)
	}
	w := idx.outstanding
	idx.outstanding = 0
	if idx.syncOnFlush {
		if err := idx.file.Sync(); err != nil {
			return w, fmt.Errorf("syncing index file: %w", err)
		}
	}
	return w, nil
}

// StorageSize returns the current size of the index file, counting bytes
// still held in the buffered writer.
func (idx *Index) StorageSize() (int64, error) {
	fi, err := idx.file.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() < idx.length {
		return idx.length, nil
	}
	return fi.Size(), nil
}

// trim strips the leading bucket bytes from a full key.
func (idx *Index) trim(key []byte) []byte {
	n := bucket.PrefixLen(idx.bits)
	if len(key) < n {
		return nil
	}
	return key[n:]
}

// loadRecordList reads the bucket's current record list payload from
// disk, or returns ok=false if the bucket is empty.
func (idx *Index) loadRecordList(idxNo bucket.Index) (recordlist.RecordList, int64, bool, error) {
	offset, has := idx.table.Get(idxNo)
	if !has {
		return nil, 0, false, nil
	}
	// The bucket's latest frame may still sit in the buffered writer;
	// push it to the file so ReadAt can see it.
	if idx.writer.Buffered() > 0 {
		if err := idx.writer.Flush(); err != nil {
			return nil, 0, false, fmt.Errorf("flushing index writer: %w", err)
		}
	}
	lenBuf := make([]byte, lengthPrefixSize)
	if _, err := idx.file.ReadAt(lenBuf, int64(offset)-bucketFieldSize-lengthPrefixSize); err != nil {
		return nil, 0, false, fmt.Errorf("reading record list length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf)
	payload := make([]byte, length)
	if _, err := idx.file.ReadAt(payload, int64(offset)); err != nil {
		return nil, 0, false, fmt.Errorf("reading record list payload: %w", err)
	}
	return recordlist.RecordList(payload), int64(offset), true, nil
}

// Get routes key to its bucket, loads the current record list, and
// returns the key/value stored in the primary if the match is confirmed.
// A prefix collision (the primary's key disagrees) is reported as a miss,
// not an error, per spec.md §7.
func (idx *Index) Get(key []byte) (value []byte, found bool, err error) {
	idxNo, err := bucket.Of(key, idx.bits)
	if err != nil {
		return nil, false, err
	}
	trimmed := idx.trim(key)
	rl, _, has, err := idx.loadRecordList(idxNo)
	if err != nil {
		return nil, false, err
	}
	if !has {
		return nil, false, nil
	}
	pos, matched := rl.Get(trimmed)
	if !matched {
		return nil, false, nil
	}
	fullKey, val, err := idx.primary.GetKeyValue(pos)
	if err != nil {
		return nil, false, fmt.Errorf("reading primary at matched position: %w", err)
	}
	if !bytes.Equal(fullKey, key) {
		return nil, false, nil
	}
	return val, true, nil
}

// Put routes key to its bucket and performs the insert-or-update
// described in spec.md §4.2: an existing entry whose stored partial key
// is a prefix of the new key is a candidate; it is a genuine update only
// if the primary confirms the stored position's full key equals the
// incoming key, otherwise it is a prefix collision requiring neighbor-
// aware disambiguation.
func (idx *Index) Put(key []byte, pos types.Position) error {
	if idx.closed {
		return types.ErrClosed
	}
	idxNo, err := bucket.Of(key, idx.bits)
	if err != nil {
		return err
	}
	trimmed := idx.trim(key)

	rl, oldOffset, has, err := idx.loadRecordList(idxNo)
	if err != nil {
		return err
	}

	var newRL recordlist.RecordList
	if !has {
		newRL, err = recordlist.New(trimmed, pos)
		if err != nil {
			return err
		}
	} else {
		newRL, err = idx.insertOrUpdate(rl, key, trimmed, pos)
		if err != nil {
			return err
		}
	}

	frame, err := encodeFrame(idxNo, newRL)
	if err != nil {
		return err
	}
	newOffset := idx.length + frameHeaderSize
	if _, err := idx.writer.Write(frame); err != nil {
		return fmt.Errorf("appending index frame: %w", err)
	}
	idx.length += int64(len(frame))
	idx.outstanding += types.Work(len(frame))

	idx.table.Put(idxNo, types.Position(newOffset))

	if has && idx.garbage != nil {
		idx.garbage.Retire(oldOffset-frameHeaderSize, frameHeaderSize+int64(len(rl)))
	}
	return nil
}

func encodeFrame(idxNo bucket.Index, rl recordlist.RecordList) ([]byte, error) {
	if len(rl) > int(^uint32(0)) {
		return nil, fmt.Errorf("record list too large to encode")
	}
	out := make([]byte, 0, frameHeaderSize+len(rl))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(rl)))
	out = append(out, buf[:]...)
	binary.LittleEndian.PutUint32(buf[:], uint32(idxNo))
	out = append(out, buf[:]...)
	out = append(out, rl...)
	return out, nil
}

// insertOrUpdate implements spec.md §4.2 steps 1-6 against an existing,
// non-empty record list.
func (idx *Index) insertOrUpdate(rl recordlist.RecordList, fullKey, trimmedKey []byte, pos types.Position) (recordlist.RecordList, error) {
	if match, ok := rl.FindPrefixMatch(trimmedKey); ok {
		storedFullKey, _, err := idx.primary.GetKeyValue(match.Position)
		if err != nil {
			return nil, fmt.Errorf("reading primary for update verification: %w", err)
		}
		if bytes.Equal(storedFullKey, fullKey) {
			return rl.Splice([]recordlist.Entry{{Key: match.Key, Position: pos}}, match.Pos, match.NextPos())
		}
		// Prefix collision: fall through to neighbor-aware disambiguation below.
	}

	insertPos, prevEntry, hasPrev := rl.FindInsertionPoint(trimmedKey)

	if hasPrev && bytes.HasPrefix(trimmedKey, prevEntry.Key) {
		prevFullKey, err := idx.primary.IndexKey(prevEntry.Position)
		if err != nil {
			return nil, fmt.Errorf("reading primary for neighbor key: %w", err)
		}
		prevTrimmed := idx.trim(prevFullKey)
		cp := recordlist.FirstNonCommonByte(trimmedKey, prevTrimmed)

		prevLen := cp + 1
		if prevLen > len(prevTrimmed) {
			prevLen = len(prevTrimmed)
		}
		newLen := cp + 1
		if newLen > len(trimmedKey) {
			newLen = len(trimmedKey)
		}
		extendedPrev := recordlist.Entry{Key: prevTrimmed[:prevLen], Position: prevEntry.Position}
		newEntry := recordlist.Entry{Key: trimmedKey[:newLen], Position: pos}

		var entries []recordlist.Entry
		if bytes.Compare(extendedPrev.Key, newEntry.Key) < 0 {
			entries = []recordlist.Entry{extendedPrev, newEntry}
		} else {
			entries = []recordlist.Entry{newEntry, extendedPrev}
		}
		return rl.Splice(entries, prevEntry.Pos, insertPos)
	}

	cpLeft := 0
	if hasPrev {
		prevFullKey, err := idx.primary.IndexKey(prevEntry.Position)
		if err != nil {
			return nil, fmt.Errorf("reading primary for neighbor key: %w", err)
		}
		cpLeft = recordlist.FirstNonCommonByte(trimmedKey, idx.trim(prevFullKey))
	}
	cpRight := 0
	if insertPos < rl.Len() {
		nextEntry, err := rl.ReadEntry(insertPos)
		if err != nil {
			return nil, err
		}
		nextFullKey, err := idx.primary.IndexKey(nextEntry.Position)
		if err != nil {
			return nil, fmt.Errorf("reading primary for neighbor key: %w", err)
		}
		cpRight = recordlist.FirstNonCommonByte(trimmedKey, idx.trim(nextFullKey))
	}
	n := cpLeft
	if cpRight > n {
		n = cpRight
	}
	n++
	if n > len(trimmedKey) {
		n = len(trimmedKey)
	}
	newEntry := recordlist.Entry{Key: trimmedKey[:n], Position: pos}
	return rl.Splice([]recordlist.Entry{newEntry}, insertPos, insertPos)
}
