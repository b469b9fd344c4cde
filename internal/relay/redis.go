package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"collabpixel/internal/pixel"
	"collabpixel/internal/wire"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each room's history in a Redis list.
type RedisStore struct {
	rdb      *redis.Client
	gridSize int
	log      *slog.Logger
}

func NewRedisStore(rdb *redis.Client, gridSize int, log *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, gridSize: gridSize, log: log}
}

func historyKey(room string) string {
	return channelName(room) + ":log"
}

func (s *RedisStore) Append(ctx context.Context, room string, ops []pixel.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	values := make([]any, 0, len(ops))
	for _, op := range ops {
		data, err := wire.MarshalOperation(op)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	if err := s.rdb.RPush(ctx, historyKey(room), values...).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// History reads the list in order. Retransmitted operations may sit in the
// list twice; only the first copy is returned.
func (s *RedisStore) History(ctx context.Context, room string) ([]pixel.Operation, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	ops := make([]pixel.Operation, 0, len(raw))
	for _, item := range raw {
		op, err := wire.UnmarshalOperation([]byte(item), s.gridSize)
		if err != nil {
			s.log.Warn("skipping corrupt history entry", "room", room, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return dedupe(ops), nil
}

func (s *RedisStore) Close() error { return nil }

// RedisBroker fans out through Redis pub/sub so several relay instances can
// serve the same room.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, room string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channelName(room), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, room string) (<-chan []byte, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channelName(room))
	// Wait for the confirmation so nothing published afterwards is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []byte, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (b *RedisBroker) Close() error { return nil }

// OpenRedis connects and pings, as the relay does on startup.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
