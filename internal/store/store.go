// Package store hands ordered operations to the document persistence
// collaborator. The coordinator only appends; reading history back is for
// whoever owns the document.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Record is one persisted operation.
type Record struct {
	RoomID string          `json:"roomId"`
	Seq    uint64          `json:"seq"`
	Op     json.RawMessage `json:"op"`
}

// Store is implemented by every backend.
type Store interface {
	Append(ctx context.Context, roomID string, seq uint64, op []byte) error
	Since(ctx context.Context, roomID string, after uint64) ([]Record, error)
	Close() error
}

// Open builds the backend named by driver.
func Open(ctx context.Context, driver, dsn, path string, log *zap.Logger) (Store, error) {
	switch driver {
	case "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(ctx, dsn, log)
	case "bolt":
		return OpenBolt(path)
	case "sqlite":
		return OpenSQLite(ctx, path)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

// Nop discards operations.
type Nop struct{}

func (Nop) Append(context.Context, string, uint64, []byte) error { return nil }
func (Nop) Since(context.Context, string, uint64) ([]Record, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }

// Memory keeps operations in process memory.
type Memory struct {
	ops map[string][]Record
	mu  sync.RWMutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{ops: make(map[string][]Record)}
}

// Append ignores a sequence number it already holds.
func (m *Memory) Append(_ context.Context, roomID string, seq uint64, op []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ops[roomID] {
		if r.Seq == seq {
			return nil
		}
	}
	m.ops[roomID] = append(m.ops[roomID], Record{RoomID: roomID, Seq: seq, Op: append([]byte(nil), op...)})
	return nil
}

func (m *Memory) Since(_ context.Context, roomID string, after uint64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.ops[roomID] {
		if r.Seq > after {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
