package relay

import (
	"context"
	"sync"
)

// Broker fans encoded operation messages out to every hub serving a room,
// possibly in other relay processes.
type Broker interface {
	Publish(ctx context.Context, room string, payload []byte) error
	// Subscribe is active when it returns. The cancel func ends the
	// subscription and closes the channel.
	Subscribe(ctx context.Context, room string) (<-chan []byte, func(), error)
	Close() error
}

// MemoryBroker delivers within one process.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, room string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[room] {
		select {
		case sub.ch <- payload:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, room string) (<-chan []byte, func(), error) {
	sub := &memorySub{ch: make(chan []byte, 256), done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[room] == nil {
		b.subs[room] = make(map[*memorySub]struct{})
	}
	b.subs[room][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			close(sub.done)
			b.mu.Lock()
			delete(b.subs[room], sub)
			if len(b.subs[room]) == 0 {
				delete(b.subs, room)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

func (b *MemoryBroker) Close() error { return nil }
