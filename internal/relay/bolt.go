package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"collabpixel/internal/pixel"
	"collabpixel/internal/wire"

	"go.etcd.io/bbolt"
)

var (
	boltLogBucket = []byte("log")
	boltIDsBucket = []byte("ids")
)

// BoltStore keeps history in a local bbolt file: one bucket per room, with
// the operations under sequence keys and an ID index for deduplication.
type BoltStore struct {
	db       *bbolt.DB
	gridSize int
	log      *slog.Logger
}

func OpenBolt(path string, gridSize int, log *slog.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &BoltStore{db: db, gridSize: gridSize, log: log}, nil
}

func roomBucket(room string) []byte {
	return []byte(channelName(room))
}

func (s *BoltStore) Append(_ context.Context, room string, ops []pixel.Operation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rb, err := tx.CreateBucketIfNotExists(roomBucket(room))
		if err != nil {
			return err
		}
		logB, err := rb.CreateBucketIfNotExists(boltLogBucket)
		if err != nil {
			return err
		}
		ids, err := rb.CreateBucketIfNotExists(boltIDsBucket)
		if err != nil {
			return err
		}
		for _, op := range ops {
			idKey := []byte(op.ID.String())
			if ids.Get(idKey) != nil {
				continue
			}
			seq, err := logB.NextSequence()
			if err != nil {
				return err
			}
			data, err := wire.MarshalOperation(op)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := logB.Put(key, data); err != nil {
				return err
			}
			if err := ids.Put(idKey, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) History(_ context.Context, room string) ([]pixel.Operation, error) {
	var ops []pixel.Operation
	err := s.db.View(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(roomBucket(room))
		if rb == nil {
			return nil
		}
		logB := rb.Bucket(boltLogBucket)
		if logB == nil {
			return nil
		}
		return logB.ForEach(func(_, v []byte) error {
			op, err := wire.UnmarshalOperation(v, s.gridSize)
			if err != nil {
				s.log.Warn("skipping corrupt history entry", "room", room, "error", err)
				return nil
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
