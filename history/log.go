// Package history keeps the bounded, append-only per-room message log used
// for late-joiner catch-up and redelivery detection. Older entries are
// assumed flushed to durable storage by the log sink.
package history

import (
	"container/ring"

	"github.com/studyhall/collab/types"
)

// Log retains the last K sequenced entries of one room in a ring buffer.
// It is owned by the room's sequencer worker and is not safe for concurrent
// use; all access goes through that worker.
type Log struct {
	start, end *ring.Ring
	lastSeq    uint64
	firstSeq   uint64 // lowest retained seq, 0 when empty
}

func NewLog(size int) *Log {
	r := ring.New(size)
	return &Log{start: r, end: r}
}

// Append adds a sequenced entry. Redelivery of an already-logged sequence
// number is a no-op and returns false. Entries must arrive in sequence
// order, which the single-writer sequencer guarantees.
func (l *Log) Append(entry types.Entry) bool {
	if entry.Seq <= l.lastSeq {
		return false
	}
	l.end.Value = entry
	l.end = l.end.Next()
	if l.end == l.start {
		// buffer full, the oldest entry falls off
		l.firstSeq = l.start.Value.(types.Entry).Seq + 1
		l.start = l.start.Next()
	} else if l.firstSeq == 0 {
		l.firstSeq = entry.Seq
	}
	l.lastSeq = entry.Seq
	return true
}

// Since returns the retained entries with Seq > seq, contiguous and in
// ascending order. ok is false when seq has already fallen out of the
// retained window, in which case the caller must read the durable store.
func (l *Log) Since(seq uint64) (entries []types.Entry, ok bool) {
	if l.firstSeq == 0 {
		return nil, true // empty log, nothing after any seq
	}
	if seq+1 < l.firstSeq {
		return nil, false
	}
	for current := l.start; current != l.end; current = current.Next() {
		entry := current.Value.(types.Entry)
		if entry.Seq > seq {
			entries = append(entries, entry)
		}
	}
	return entries, true
}

// LastSeq returns the highest assigned sequence number.
func (l *Log) LastSeq() uint64 { return l.lastSeq }

// Load primes the log from durably stored entries, in sequence order. Used
// when an instance takes over room ownership.
func (l *Log) Load(entries []types.Entry) {
	for _, entry := range entries {
		l.Append(entry)
	}
}
