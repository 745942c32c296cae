package fanout

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const memorySubBuffer = 256

// MemoryBus is an in-process Bus. It mirrors the delivery semantics of the
// Redis bus (at-least-once to current subscribers, drop on a stuck consumer)
// so the rest of the system behaves identically in single-instance runs.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	logger hclog.Logger
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func NewMemoryBus(logger hclog.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySub),
		logger: logger.Named("membus"),
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	subs := make([]*memorySub, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			b.logger.Warn("subscriber not draining, dropping envelope", "channel", channel)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySub{bus: b, channel: channel, ch: make(chan []byte, memorySubBuffer)}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	b := s.bus
	b.mu.Lock()
	subs := b.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}
