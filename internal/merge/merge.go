// Package merge holds the conflict-resolution collaborators the operation
// relay hands ordered operations to before broadcasting them.
package merge

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrInvalidOperation rejects an operation the merger cannot apply.
var ErrInvalidOperation = errors.New("merge: invalid operation")

// Passthrough accepts every operation unchanged. It is the merger for
// deployments where clients run their own CRDT and the coordinator only
// orders.
type Passthrough struct{}

func (Passthrough) Merge(_ context.Context, _ string, _ uint64, op json.RawMessage) (json.RawMessage, error) {
	return op, nil
}
