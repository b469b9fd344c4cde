package relay

import (
	"context"
	"sync"

	"collabpixel/internal/pixel"
)

// Store keeps the history of each room so late joiners can bootstrap.
// Appending an operation twice must not make it appear twice in History.
type Store interface {
	Append(ctx context.Context, room string, ops []pixel.Operation) error
	History(ctx context.Context, room string) ([]pixel.Operation, error)
	Close() error
}

// MemoryStore keeps history for the lifetime of the relay process.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	ops  []pixel.Operation
	seen map[pixel.ID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

func (s *MemoryStore) Append(_ context.Context, room string, ops []pixel.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok {
		r = &memoryRoom{seen: make(map[pixel.ID]struct{})}
		s.rooms[room] = r
	}
	for _, op := range ops {
		if _, dup := r.seen[op.ID]; dup {
			continue
		}
		r.seen[op.ID] = struct{}{}
		r.ops = append(r.ops, op)
	}
	return nil
}

func (s *MemoryStore) History(_ context.Context, room string) ([]pixel.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}
	return append([]pixel.Operation(nil), r.ops...), nil
}

func (s *MemoryStore) Close() error { return nil }

// dedupe keeps the first occurrence of every ID, for stores that may hold
// duplicates.
func dedupe(ops []pixel.Operation) []pixel.Operation {
	seen := make(map[pixel.ID]struct{}, len(ops))
	out := ops[:0]
	for _, op := range ops {
		if _, ok := seen[op.ID]; ok {
			continue
		}
		seen[op.ID] = struct{}{}
		out = append(out, op)
	}
	return out
}

func channelName(room string) string {
	return "pixel-room-" + room
}
