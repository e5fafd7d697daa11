package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS operations (
	room_id    TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room_id, seq)
)`

// SQLite stores operations in an embedded SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the file at path and creates the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, roomID string, seq uint64, op []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO operations (room_id, seq, payload) VALUES (?, ?, ?)`,
		roomID, int64(seq), op)
	if err != nil {
		return fmt.Errorf("append %s/%d: %w", roomID, seq, err)
	}
	return nil
}

func (s *SQLite) Since(ctx context.Context, roomID string, after uint64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM operations WHERE room_id = ? AND seq > ? ORDER BY seq`,
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

func (s *SQLite) Close() error { return s.db.Close() }
