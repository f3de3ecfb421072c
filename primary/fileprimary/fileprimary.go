// Package fileprimary is a disk-backed primary.Storage keyed by CID, the
// canonical content-addressable key shape this index is built for.
//
// Grounded on the teacher's store/primary/gsfaprimary/gsfaprimary.go, but
// generalized away from that file's Solana-pubkey-specific assumptions
// (a fixed 32-byte key and a fixed primaryRecordSize = 32+8 record
// layout): records here are length-prefixed so keys and values of any
// size are supported, and IndexKey validates and canonicalizes the key as
// a CID via go-cid rather than a Solana public key (GetKeyValue returns
// the stored key bytes unchecked).
package fileprimary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"

	"github.com/vmx/storethehash/filecache"
	"github.com/vmx/storethehash/primary"
	"github.com/vmx/storethehash/types"
)

var log = logging.Logger("storethehash/fileprimary")

const bufferSize = 16 * 4096

// flag bits stored in each record's one-byte header.
const flagCompressed = byte(1 << 0)

// FilePrimary stores key/value pairs appended to a single data file,
// each record length-prefixed so that keys and values may be of any
// size. Optionally, values above a size threshold are zstd-compressed.
type FilePrimary struct {
	path   string
	file   *os.File
	writer *bufio.Writer

	mu      sync.Mutex
	length  int64
	pending map[types.Position]record

	compression     bool
	compressMinSize int
	encoder         *zstd.Encoder
	decoder         *zstd.Decoder

	outstanding types.Work
	closed      bool

	// fileCache, if set, is used to open the data file for reads instead
	// of fp.file directly, the same split the teacher's gsfaprimary.Get
	// makes between its own append handle and a shared cached read
	// handle.
	fileCache *filecache.FileCache
}

type record struct {
	key   []byte
	value []byte
}

// Option configures Open.
type Option func(*config)

type config struct {
	compression     bool
	compressMinSize int
	fileCache       *filecache.FileCache
}

func (c *config) apply(opts []Option) {
	for _, o := range opts {
		o(c)
	}
}

// WithCompression enables zstd compression of values at or above 256
// bytes. Off by default: the index never interprets primary values, so
// compression is purely a primary-storage concern the caller opts into.
func WithCompression(enabled bool) Option {
	return func(c *config) {
		c.compression = enabled
		if c.compressMinSize == 0 {
			c.compressMinSize = 256
		}
	}
}

// WithFileCache routes reads through fc instead of the primary's own
// append handle, so repeated short-lived Get calls (as from a CLI) reuse
// one open file descriptor via an LRU instead of paying an open/close
// syscall pair each time.
func WithFileCache(fc *filecache.FileCache) Option {
	return func(c *config) {
		c.fileCache = fc
	}
}

// Open opens or creates the data file at path, plus its uuid-rotated
// sidecar header file at path+".info".
func Open(path string, opts ...Option) (*FilePrimary, error) {
	cfg := config{}
	cfg.apply(opts)

	hdrPath := headerPath(path)
	hdr, err := readHeader(hdrPath)
	if os.IsNotExist(err) {
		hdr = header{version: headerVersion, compression: cfg.compression}
		if err := writeHeader(hdrPath, hdr); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading fileprimary header: %w", err)
	} else if hdr.compression != cfg.compression {
		log.Warnw("fileprimary compression setting differs from header; using header's setting", "header", hdr.compression, "requested", cfg.compression)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening fileprimary data file: %w", err)
	}
	length, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, err
	}

	fp := &FilePrimary{
		path:            path,
		file:            file,
		writer:          bufio.NewWriterSize(file, bufferSize),
		length:          length,
		pending:         make(map[types.Position]record),
		compression:     hdr.compression,
		compressMinSize: cfg.compressMinSize,
		fileCache:       cfg.fileCache,
	}
	if fp.compression {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		fp.encoder, fp.decoder = enc, dec
	}
	return fp, nil
}

// Put appends key/value, returning the position it will occupy once
// flushed. The record is held in memory until Flush so that Get can
// still observe unflushed writes, matching the teacher's curPool/nextPool
// pattern, simplified to a single pending map since this design does not
// shard across files.
func (fp *FilePrimary) Put(key, value []byte) (types.Position, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	pos := types.Position(fp.length + fp.pendingBytes())
	fp.pending[pos] = record{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	fp.outstanding += types.Work(fp.recordSize(key, value))
	return pos, nil
}

// pendingBytes returns the total encoded size of every record waiting to
// be flushed, so Put can predict the next position.
func (fp *FilePrimary) pendingBytes() int64 {
	var total int64
	for _, r := range fp.pending {
		total += int64(fp.recordSize(r.key, r.value))
	}
	return total
}

func (fp *FilePrimary) recordSize(key, value []byte) int {
	return 1 + 4 + len(key) + 4 + fp.encodedValueLen(value)
}

func (fp *FilePrimary) encodedValueLen(value []byte) int {
	if fp.compression && len(value) >= fp.compressMinSize {
		return len(fp.encoder.EncodeAll(value, nil))
	}
	return len(value)
}

// GetKeyValue returns the key/value recorded at pos, whether still
// pending or already flushed to disk.
func (fp *FilePrimary) GetKeyValue(pos types.Position) ([]byte, []byte, error) {
	fp.mu.Lock()
	if r, ok := fp.pending[pos]; ok {
		fp.mu.Unlock()
		return r.key, r.value, nil
	}
	fp.mu.Unlock()

	if int64(pos) >= fp.length {
		return nil, nil, types.ErrOutOfBounds
	}

	readFile := fp.file
	if fp.fileCache != nil {
		cached, err := fp.fileCache.Open(fp.path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening fileprimary via file cache: %w", err)
		}
		defer fp.fileCache.Close(cached)
		readFile = cached
	}

	hdr := make([]byte, 1+4)
	if _, err := readFile.ReadAt(hdr, int64(pos)); err != nil {
		return nil, nil, fmt.Errorf("reading fileprimary record header: %w", err)
	}
	flags := hdr[0]
	keyLen := binary.LittleEndian.Uint32(hdr[1:])
	keyBuf := make([]byte, keyLen)
	if _, err := readFile.ReadAt(keyBuf, int64(pos)+5); err != nil {
		return nil, nil, fmt.Errorf("reading fileprimary key: %w", err)
	}
	valLenBuf := make([]byte, 4)
	valLenOffset := int64(pos) + 5 + int64(keyLen)
	if _, err := readFile.ReadAt(valLenBuf, valLenOffset); err != nil {
		return nil, nil, fmt.Errorf("reading fileprimary value length: %w", err)
	}
	valLen := binary.LittleEndian.Uint32(valLenBuf)
	valBuf := make([]byte, valLen)
	if _, err := readFile.ReadAt(valBuf, valLenOffset+4); err != nil {
		return nil, nil, fmt.Errorf("reading fileprimary value: %w", err)
	}
	if flags&flagCompressed != 0 {
		decoded, err := fp.decoder.DecodeAll(valBuf, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing fileprimary value: %w", err)
		}
		valBuf = decoded
	}
	return keyBuf, valBuf, nil
}

// IndexKey parses key as a CID and returns its canonical byte form, which
// is what the index actually stores prefixes of. A key that isn't a
// valid CID is rejected: this primary is specifically for
// content-addressed keys.
func (fp *FilePrimary) IndexKey(pos types.Position) ([]byte, error) {
	key, _, err := fp.GetKeyValue(pos)
	if err != nil {
		return nil, err
	}
	return CanonicalKey(key)
}

// CanonicalKey parses key as a CID, self-checks its multihash digest
// length against the length the multihash itself declares, and returns
// the CID's canonical byte form. The digest length check catches a
// record whose stored key was corrupted or truncated independently of
// the record framing's own length prefixes.
func CanonicalKey(key []byte) ([]byte, error) {
	c, err := cid.Cast(key)
	if err != nil {
		return nil, fmt.Errorf("key is not a valid CID: %w", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("key has a malformed multihash digest: %w", err)
	}
	if len(decoded.Digest) != decoded.Length {
		return nil, fmt.Errorf("key multihash digest length mismatch: declared %d, got %d", decoded.Length, len(decoded.Digest))
	}
	return c.Bytes(), nil
}

// Flush writes every pending record to the underlying file and flushes
// the buffered writer.
func (fp *FilePrimary) Flush() (types.Work, error) {
	fp.mu.Lock()
	if len(fp.pending) == 0 {
		fp.mu.Unlock()
		return 0, nil
	}
	pending := fp.pending
	fp.pending = make(map[types.Position]record)
	work := fp.outstanding
	fp.outstanding = 0
	fp.mu.Unlock()

	// Positions are contiguous offsets assigned in Put call order; sort by
	// position to write them back in that order.
	positions := make([]types.Position, 0, len(pending))
	for pos := range pending {
		positions = append(positions, pos)
	}
	sortPositions(positions)

	for _, pos := range positions {
		r := pending[pos]
		if err := fp.writeRecord(r.key, r.value); err != nil {
			return 0, err
		}
	}
	if err := fp.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flushing fileprimary writer: %w", err)
	}
	return work, nil
}

func (fp *FilePrimary) writeRecord(key, value []byte) error {
	flags := byte(0)
	encodedValue := value
	if fp.compression && len(value) >= fp.compressMinSize {
		encodedValue = fp.encoder.EncodeAll(value, nil)
		flags |= flagCompressed
	}
	var hdr [5]byte
	hdr[0] = flags
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(key)))
	if _, err := fp.writer.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := fp.writer.Write(key); err != nil {
		return err
	}
	var valLen [4]byte
	binary.LittleEndian.PutUint32(valLen[:], uint32(len(encodedValue)))
	if _, err := fp.writer.Write(valLen[:]); err != nil {
		return err
	}
	if _, err := fp.writer.Write(encodedValue); err != nil {
		return err
	}
	fp.mu.Lock()
	fp.length += int64(1 + 4 + len(key) + 4 + len(encodedValue))
	fp.mu.Unlock()
	return nil
}

func sortPositions(p []types.Position) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j-1] > p[j]; j-- {
			p[j-1], p[j] = p[j], p[j-1]
		}
	}
}

func (fp *FilePrimary) Sync() error {
	return fp.file.Sync()
}

func (fp *FilePrimary) Close() error {
	if fp.closed {
		return nil
	}
	fp.closed = true
	if _, err := fp.Flush(); err != nil {
		fp.file.Close()
		return err
	}
	return fp.file.Close()
}

func (fp *FilePrimary) OutstandingWork() types.Work {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.outstanding
}

func (fp *FilePrimary) StorageSize() (int64, error) {
	fi, err := fp.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Iter walks every flushed record in the data file in append order.
func (fp *FilePrimary) Iter() (primary.Iterator, error) {
	file, err := os.Open(fp.path)
	if err != nil {
		return nil, err
	}
	return &fileIter{fp: fp, file: file}, nil
}

type fileIter struct {
	fp   *FilePrimary
	file *os.File
	pos  int64
}

func (it *fileIter) Next() ([]byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(it.file, hdr); err != nil {
		it.file.Close()
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, err
	}
	flags := hdr[0]
	keyLen := binary.LittleEndian.Uint32(hdr[1:])
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(it.file, key); err != nil {
		it.file.Close()
		return nil, nil, err
	}
	var valLenBuf [4]byte
	if _, err := io.ReadFull(it.file, valLenBuf[:]); err != nil {
		it.file.Close()
		return nil, nil, err
	}
	valLen := binary.LittleEndian.Uint32(valLenBuf[:])
	value := make([]byte, valLen)
	if _, err := io.ReadFull(it.file, value); err != nil {
		it.file.Close()
		return nil, nil, err
	}
	if flags&flagCompressed != 0 {
		decoded, err := it.fp.decoder.DecodeAll(value, nil)
		if err != nil {
			it.file.Close()
			return nil, nil, fmt.Errorf("decompressing fileprimary value: %w", err)
		}
		value = decoded
	}
	return key, value, nil
}

var _ primary.Storage = (*FilePrimary)(nil)
