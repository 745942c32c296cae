package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhall/collab/types"
)

func entry(seq uint64) types.Entry {
	return types.Entry{
		Id:     fmt.Sprintf("e%d", seq),
		RoomId: "r1",
		Seq:    seq,
		Kind:   types.EntryKindChat,
	}
}

func TestAppendAndSince(t *testing.T) {
	l := NewLog(10)
	for seq := uint64(1); seq <= 5; seq++ {
		assert.True(t, l.Append(entry(seq)))
	}
	assert.Equal(t, uint64(5), l.LastSeq())

	entries, ok := l.Since(2)
	require.True(t, ok)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(3+i), e.Seq, "entries must be contiguous and ascending")
	}

	entries, ok = l.Since(5)
	require.True(t, ok)
	assert.Empty(t, entries)
}

func TestRedeliveredSequenceIsNoOp(t *testing.T) {
	l := NewLog(10)
	require.True(t, l.Append(entry(1)))
	require.True(t, l.Append(entry(2)))

	assert.False(t, l.Append(entry(2)), "redelivered entry must be dropped")
	assert.False(t, l.Append(entry(1)))
	assert.Equal(t, uint64(2), l.LastSeq())

	entries, ok := l.Since(0)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}

func TestRetentionWindow(t *testing.T) {
	l := NewLog(4)
	for seq := uint64(1); seq <= 6; seq++ {
		l.Append(entry(seq))
	}

	// 1 and 2 have fallen off, 3..6 are retained
	_, ok := l.Since(0)
	assert.False(t, ok, "a request from before the window must fall through to durable storage")
	_, ok = l.Since(1)
	assert.False(t, ok)

	entries, ok := l.Since(2)
	require.True(t, ok)
	require.Len(t, entries, 4)
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(6), entries[3].Seq)
}

func TestLoadPrimesFromDurableEntries(t *testing.T) {
	l := NewLog(10)
	l.Load([]types.Entry{entry(7), entry(8), entry(9)})
	assert.Equal(t, uint64(9), l.LastSeq())

	entries, ok := l.Since(7)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(8), entries[0].Seq)

	assert.False(t, l.Append(entry(9)), "loaded entries count for redelivery detection")
	assert.True(t, l.Append(entry(10)))
}

func TestEmptyLog(t *testing.T) {
	l := NewLog(4)
	entries, ok := l.Since(0)
	assert.True(t, ok)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(0), l.LastSeq())
}
