package fileprimary_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/vmx/storethehash/primary/fileprimary"
	"github.com/vmx/storethehash/types"
)

func testCID(t *testing.T, content string) cid.Cid {
	t.Helper()
	hash, err := multihash.Sum([]byte(content), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, hash)
}

func TestPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fp, err := fileprimary.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fp.Close() })

	c := testCID(t, "hello")
	pos, err := fp.Put(c.Bytes(), []byte("world"))
	require.NoError(t, err)

	key, value, err := fp.GetKeyValue(pos)
	require.NoError(t, err)
	require.Equal(t, c.Bytes(), key)
	require.Equal(t, []byte("world"), value)

	indexKey, err := fp.IndexKey(pos)
	require.NoError(t, err)
	require.Equal(t, c.Bytes(), indexKey)
}

func TestGetObservesUnflushedPut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fp, err := fileprimary.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fp.Close() })

	c := testCID(t, "pending")
	pos, err := fp.Put(c.Bytes(), []byte("value"))
	require.NoError(t, err)

	key, value, err := fp.GetKeyValue(pos)
	require.NoError(t, err)
	require.Equal(t, c.Bytes(), key)
	require.Equal(t, []byte("value"), value)
}

func TestFlushThenReadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fp, err := fileprimary.Open(path)
	require.NoError(t, err)

	var positions []types.Position
	var cids []cid.Cid
	for i := 0; i < 5; i++ {
		c := testCID(t, fmt.Sprintf("value-%d", i))
		cids = append(cids, c)
		pos, err := fp.Put(c.Bytes(), []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	work, err := fp.Flush()
	require.NoError(t, err)
	require.Greater(t, uint64(work), uint64(0))
	require.NoError(t, fp.Close())

	fp2, err := fileprimary.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fp2.Close() })

	for i, pos := range positions {
		key, value, err := fp2.GetKeyValue(pos)
		require.NoError(t, err)
		require.Equal(t, cids[i].Bytes(), key)
		require.Equal(t, []byte(fmt.Sprintf("payload-%d", i)), value)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fp, err := fileprimary.Open(path, fileprimary.WithCompression(true))
	require.NoError(t, err)
	t.Cleanup(func() { fp.Close() })

	c := testCID(t, "big-value")
	bigValue := make([]byte, 4096)
	for i := range bigValue {
		bigValue[i] = byte(i % 251)
	}
	pos, err := fp.Put(c.Bytes(), bigValue)
	require.NoError(t, err)
	_, err = fp.Flush()
	require.NoError(t, err)

	_, value, err := fp.GetKeyValue(pos)
	require.NoError(t, err)
	require.Equal(t, bigValue, value)
}

func TestCanonicalKeyRejectsNonCID(t *testing.T) {
	_, err := fileprimary.CanonicalKey([]byte("not a cid"))
	require.Error(t, err)
}

func TestGetOutOfBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fp, err := fileprimary.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fp.Close() })

	_, _, err = fp.GetKeyValue(types.Position(1000))
	require.ErrorIs(t, err, types.ErrOutOfBounds)
}

func TestIterWalksFlushedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	fp, err := fileprimary.Open(path)
	require.NoError(t, err)

	c1 := testCID(t, "one")
	c2 := testCID(t, "two")
	_, err = fp.Put(c1.Bytes(), []byte("v1"))
	require.NoError(t, err)
	_, err = fp.Put(c2.Bytes(), []byte("v2"))
	require.NoError(t, err)
	_, err = fp.Flush()
	require.NoError(t, err)
	require.NoError(t, fp.Close())

	fp2, err := fileprimary.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { fp2.Close() })

	it, err := fp2.Iter()
	require.NoError(t, err)

	key, value, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, c1.Bytes(), key)
	require.Equal(t, []byte("v1"), value)

	key, value, err = it.Next()
	require.NoError(t, err)
	require.Equal(t, c2.Bytes(), key)
	require.Equal(t, []byte("v2"), value)
}
