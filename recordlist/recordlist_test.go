package recordlist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmx/storethehash/recordlist"
	"github.com/vmx/storethehash/types"
)

func TestNewAndGet(t *testing.T) {
	rl, err := recordlist.New([]byte{0x03, 0x04, 0x05}, types.Position(10))
	require.NoError(t, err)

	// New stores only the first byte of the trimmed key.
	entry, err := rl.ReadEntry(0)
	require.NoError(t, err)
	require.Equal(t, []byte{0x03}, entry.Key)
	require.Equal(t, types.Position(10), entry.Position)

	pos, found := rl.Get([]byte{0x03, 0x04, 0x05})
	require.True(t, found)
	require.Equal(t, types.Position(10), pos)

	_, found = rl.Get([]byte{0x09, 0x04, 0x05})
	require.False(t, found)
}

func TestSpliceInsertsInSortedOrder(t *testing.T) {
	rl, err := recordlist.New([]byte{0x05}, types.Position(1))
	require.NoError(t, err)

	pos, _, _ := rl.FindInsertionPoint([]byte{0x08})
	rl, err = rl.Splice([]recordlist.Entry{{Key: []byte{0x08}, Position: types.Position(2)}}, pos, pos)
	require.NoError(t, err)

	it := rl.Iter()
	var keys [][]byte
	for !it.Done() {
		e, err := it.Next()
		require.NoError(t, err)
		keys = append(keys, e.Key)
	}
	require.Equal(t, [][]byte{{0x05}, {0x08}}, keys)
}

func TestFindPrefixMatchAndSpliceUpdatesInPlace(t *testing.T) {
	rl, err := recordlist.New([]byte{0x03}, types.Position(1))
	require.NoError(t, err)

	match, ok := rl.FindPrefixMatch([]byte{0x03, 0x04, 0x05})
	require.True(t, ok)
	require.Equal(t, []byte{0x03}, match.Key)

	rl, err = rl.Splice([]recordlist.Entry{{Key: match.Key, Position: types.Position(99)}}, match.Pos, match.NextPos())
	require.NoError(t, err)

	pos, found := rl.Get([]byte{0x03, 0x04, 0x05})
	require.True(t, found)
	require.Equal(t, types.Position(99), pos)
}

func TestEncodeRejectsOversizedKey(t *testing.T) {
	_, err := recordlist.Encode(make([]byte, recordlist.MaxKeyLen+1), types.Position(0))
	require.ErrorIs(t, err, types.ErrMalformedEntry)
}

func TestFirstNonCommonByte(t *testing.T) {
	require.Equal(t, 2, recordlist.FirstNonCommonByte([]byte{1, 2, 3}, []byte{1, 2, 9}))
	require.Equal(t, 2, recordlist.FirstNonCommonByte([]byte{1, 2}, []byte{1, 2, 9}))
	require.Equal(t, 0, recordlist.FirstNonCommonByte([]byte{9}, []byte{1}))
}

func TestReadEntryRejectsTruncatedPayload(t *testing.T) {
	rl := recordlist.RecordList([]byte{0x03, 0x01, 0x02}) // declares a 3-byte key but only 2 bytes follow
	_, err := rl.ReadEntry(0)
	require.ErrorIs(t, err, types.ErrMalformedEntry)
}
