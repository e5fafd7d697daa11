package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS operations (
	room_id    TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, seq)
)`

// Postgres stores operations in the operations table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, checks the connection and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Append(ctx context.Context, roomID string, seq uint64, op []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO operations (room_id, seq, payload) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		roomID, int64(seq), op)
	if err != nil {
		return fmt.Errorf("append %s/%d: %w", roomID, seq, err)
	}
	return nil
}

func (p *Postgres) Since(ctx context.Context, roomID string, after uint64) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, payload FROM operations WHERE room_id = $1 AND seq > $2 ORDER BY seq`,
		roomID, int64(after))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		out = append(out, Record{RoomID: roomID, Seq: uint64(seq), Op: payload})
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
