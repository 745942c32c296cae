package persistence

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/studyhall/collab/types"
)

const sinkQueueSize = 4096

// LogSink buffers sequenced entries and flushes them to the Persister in the
// background, either when a batch fills up or when the flush interval
// elapses. The live message path only ever enqueues; a crash loses at most
// the unflushed tail, which is the accepted durability trade-off.
type LogSink struct {
	persister Persister
	queue     chan types.Entry
	interval  time.Duration
	batchSize int
	logger    hclog.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewLogSink(persister Persister, interval time.Duration, batchSize int, logger hclog.Logger) *LogSink {
	s := &LogSink{
		persister: persister,
		queue:     make(chan types.Entry, sinkQueueSize),
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.Named("logsink"),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue hands an entry to the sink without blocking. When the queue is
// full the entry is dropped with a warning, widening the potential loss
// window rather than stalling the room worker.
func (s *LogSink) Enqueue(entry types.Entry) {
	select {
	case s.queue <- entry:
	default:
		s.logger.Warn("log sink queue full, dropping entry", "room_id", entry.RoomId, "seq", entry.Seq)
	}
}

func (s *LogSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	batch := make([]types.Entry, 0, s.batchSize)
	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}

		case <-ticker.C:
			batch = s.flush(batch)

		case <-s.done:
			// drain what is left before exiting
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *LogSink) flush(batch []types.Entry) []types.Entry {
	if len(batch) == 0 || s.persister == nil {
		return batch[:0]
	}
	byRoom := make(map[string][]types.Entry)
	for _, entry := range batch {
		byRoom[entry.RoomId] = append(byRoom[entry.RoomId], entry)
	}
	for roomId, entries := range byRoom {
		if err := s.persister.AppendEntries(roomId, entries); err != nil {
			s.logger.Error("could not flush entries", "room_id", roomId, "count", len(entries), "error", err)
		}
	}
	return batch[:0]
}

// Close flushes the remaining buffer and stops the background worker.
func (s *LogSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}
