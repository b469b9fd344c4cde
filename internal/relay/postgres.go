package relay

import (
	"context"
	"fmt"
	"log/slog"

	"collabpixel/internal/pixel"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS pixel_operations (
	seq     BIGSERIAL PRIMARY KEY,
	room    TEXT    NOT NULL,
	replica TEXT    NOT NULL,
	clock   BIGINT  NOT NULL,
	x       INTEGER NOT NULL,
	y       INTEGER NOT NULL,
	color   TEXT    NOT NULL,
	UNIQUE (room, replica, clock)
);
CREATE INDEX IF NOT EXISTS pixel_operations_room_seq ON pixel_operations (room, seq);
`

// PostgresStore keeps room history in a single table ordered by arrival.
type PostgresStore struct {
	pool     *pgxpool.Pool
	gridSize int
	log      *slog.Logger
}

// OpenPostgres connects to url and makes sure the table exists.
func OpenPostgres(ctx context.Context, url string, gridSize int, log *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool, gridSize: gridSize, log: log}, nil
}

func (s *PostgresStore) Append(ctx context.Context, room string, ops []pixel.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, op := range ops {
		batch.Queue(`INSERT INTO pixel_operations (room, replica, clock, x, y, color)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (room, replica, clock) DO NOTHING`,
			room, op.ID.Replica, int64(op.ID.Clock), op.X, op.Y, string(op.Color))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert operations: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, room string) ([]pixel.Operation, error) {
	rows, err := s.pool.Query(ctx, `SELECT replica, clock, x, y, color
		FROM pixel_operations WHERE room = $1 ORDER BY seq`, room)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var ops []pixel.Operation
	for rows.Next() {
		var (
			op    pixel.Operation
			clock int64
			color string
		)
		if err := rows.Scan(&op.ID.Replica, &clock, &op.X, &op.Y, &color); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		op.ID.Clock = uint64(clock)
		op.Color = pixel.Color(color)
		if err := pixel.Validate(op, s.gridSize); err != nil {
			s.log.Warn("skipping corrupt history row", "room", room, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
