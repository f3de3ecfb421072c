package index_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmx/storethehash/index"
	"github.com/vmx/storethehash/primary/memprimary"
	"github.com/vmx/storethehash/types"
)

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func truncateFile(path string, size int64) error {
	return os.Truncate(path, size)
}

func openTestIndex(t *testing.T, bits uint8, prim *memprimary.MemPrimary, opts ...index.Option) *index.Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storethehash.index")
	idx, _, err := index.Open(path, bits, prim, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// TestScenario1And2And3And4 walks spec.md's literal bucket_bits=24 scenario
// through to its final state.
func TestScenario1And2And3And4(t *testing.T) {
	prim := memprimary.New(nil)
	idx := openTestIndex(t, 24, prim)

	key1 := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	key2 := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x08, 0x09, 0x10}
	key3 := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	key4 := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xFF}

	pos1, err := prim.Put(key1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key1, pos1))

	value, found, err := idx.Get(key1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), value)

	// Scenario 2: a neighbor sharing the bucket forces both partial keys to
	// grow to a 2-byte common prefix plus one disambiguating byte.
	pos2, err := prim.Put(key2, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key2, pos2))

	value, found, err = idx.Get(key1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), value)

	value, found, err = idx.Get(key2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), value)

	// Scenario 3: re-inserting key1 (as key3, byte-identical) is an update:
	// get now returns the newest position's value.
	pos3, err := prim.Put(key3, []byte("v3"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key3, pos3))

	value, found, err = idx.Get(key1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v3"), value)

	// Scenario 4: key4 collides with key1's (now-updated) stored partial key
	// 03 04 05 on search; neighbor expansion must grow key1's stored key so
	// both resolve correctly.
	pos4, err := prim.Put(key4, []byte("v4"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key4, pos4))

	value, found, err = idx.Get(key1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v3"), value)

	value, found, err = idx.Get(key4)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v4"), value)

	value, found, err = idx.Get(key2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), value)
}

// TestScenario5TruncationRecovery truncates the index file mid-payload and
// expects replay to discard the torn tail, leaving the bucket table as it
// was before the last put.
func TestScenario5TruncationRecovery(t *testing.T) {
	prim := memprimary.New(nil)
	path := filepath.Join(t.TempDir(), "storethehash.index")
	idx, _, err := index.Open(path, 24, prim)
	require.NoError(t, err)

	key1 := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	pos1, err := prim.Put(key1, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key1, pos1))
	_, err = idx.Flush()
	require.NoError(t, err)

	sizeBeforeLastPut, err := idx.StorageSize()
	require.NoError(t, err)

	key2 := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x08, 0x09, 0x10}
	pos2, err := prim.Put(key2, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key2, pos2))
	_, err = idx.Flush()
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	fullSize, err := fileSize(path)
	require.NoError(t, err)
	require.Greater(t, fullSize, sizeBeforeLastPut)

	// Cut into the middle of the new frame's payload (past its 8-byte
	// length+bucket header), the shape spec.md's truncation scenario
	// describes.
	require.NoError(t, truncateFile(path, sizeBeforeLastPut+10))

	reopened, report, err := index.Open(path, 24, prim)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.Greater(t, report.BytesDiscarded, int64(0))
	require.Equal(t, sizeBeforeLastPut, report.LastGoodOffset)

	value, found, err := reopened.Get(key1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), value)

	_, found, err = reopened.Get(key2)
	require.NoError(t, err)
	require.False(t, found)
}

// TestScenario6SharedBucketSmallBits covers bucket_bits = 8, where two keys
// share a bucket on their single routing byte and that byte is never stored
// in either partial key.
func TestScenario6SharedBucketSmallBits(t *testing.T) {
	prim := memprimary.New(nil)
	idx := openTestIndex(t, 8, prim)

	keyA := []byte{0x42, 0x01, 0x02}
	keyB := []byte{0x42, 0x09, 0x02}

	posA, err := prim.Put(keyA, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(keyA, posA))

	posB, err := prim.Put(keyB, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(keyB, posB))

	value, found, err := idx.Get(keyA)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), value)

	value, found, err = idx.Get(keyB)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), value)
}

func TestGetKeyTooShort(t *testing.T) {
	prim := memprimary.New(nil)
	idx := openTestIndex(t, 24, prim)
	_, _, err := idx.Get([]byte{0x01, 0x02})
	require.ErrorIs(t, err, types.ErrKeyTooShort)
}

func TestGetMissingBucketIsMissNotError(t *testing.T) {
	prim := memprimary.New(nil)
	idx := openTestIndex(t, 24, prim)
	_, found, err := idx.Get([]byte{0x00, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.False(t, found)
}

func TestOpenRejectsBucketBitsOutOfRange(t *testing.T) {
	prim := memprimary.New(nil)
	path := filepath.Join(t.TempDir(), "storethehash.index")
	_, _, err := index.Open(path, 0, prim)
	require.ErrorIs(t, err, types.ErrBucketBitsOutOfRange)

	_, _, err = index.Open(path, 33, prim)
	require.ErrorIs(t, err, types.ErrBucketBitsOutOfRange)
}

func TestOpenDetectsBucketBitsMismatch(t *testing.T) {
	prim := memprimary.New(nil)
	path := filepath.Join(t.TempDir(), "storethehash.index")

	idx, _, err := index.Open(path, 24, prim)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, _, err = index.Open(path, 16, prim)
	require.Error(t, err)
	var mismatch types.ErrBucketBitsMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, byte(24), mismatch.FileBits)
	require.Equal(t, byte(16), mismatch.RequestedBits)
}

func TestPutAfterCloseFails(t *testing.T) {
	prim := memprimary.New(nil)
	path := filepath.Join(t.TempDir(), "storethehash.index")
	idx, _, err := index.Open(path, 24, prim)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	err = idx.Put([]byte{0x00, 0x01, 0x02, 0x03}, types.Position(0))
	require.ErrorIs(t, err, types.ErrClosed)
}

func TestGarbageSinkReceivesRetiredSpans(t *testing.T) {
	prim := memprimary.New(nil)
	sink := &recordingSink{}
	idx := openTestIndex(t, 24, prim, index.WithGarbageSink(sink))

	key := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	pos1, err := prim.Put(key, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key, pos1))
	require.Empty(t, sink.spans)

	pos2, err := prim.Put(key, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, idx.Put(key, pos2))
	require.Len(t, sink.spans, 1)
}

type recordingSink struct {
	spans []span
}

type span struct {
	offset, length int64
}

func (s *recordingSink) Retire(offset, length int64) {
	s.spans = append(s.spans, span{offset, length})
}
