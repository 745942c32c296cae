package persistence

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhall/collab/types"
)

func sinkEntry(seq uint64) types.Entry {
	return types.Entry{
		Id:     fmt.Sprintf("s%d", seq),
		RoomId: "r1",
		Seq:    seq,
		Kind:   types.EntryKindChat,
	}
}

func TestSinkFlushesOnInterval(t *testing.T) {
	p := newTestPersister(t)
	sink := NewLogSink(p, 20*time.Millisecond, 100, hclog.NewNullLogger())
	defer sink.Close()

	sink.Enqueue(sinkEntry(1))
	sink.Enqueue(sinkEntry(2))

	require.Eventually(t, func() bool {
		entries, err := p.EntriesSince("r1", 0, 10)
		return err == nil && len(entries) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSinkCloseDrainsQueue(t *testing.T) {
	p := newTestPersister(t)
	sink := NewLogSink(p, time.Hour, 1000, hclog.NewNullLogger())
	for seq := uint64(1); seq <= 5; seq++ {
		sink.Enqueue(sinkEntry(seq))
	}
	require.NoError(t, sink.Close())

	entries, err := p.EntriesSince("r1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5, "close must flush everything still queued")
}
