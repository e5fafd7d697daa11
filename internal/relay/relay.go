// Package relay orders document operations per room and forwards direct
// signaling between users, whatever process their connections live on.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
)

// Merger is the conflict-resolution collaborator. It sees every operation
// once, in sequence order per room, and may rewrite it or reject it.
type Merger interface {
	Merge(ctx context.Context, roomID string, seq uint64, op json.RawMessage) (json.RawMessage, error)
}

// Store is the document persistence collaborator.
type Store interface {
	Append(ctx context.Context, roomID string, seq uint64, op []byte) error
}

// Membership answers whether a connection belongs to a room.
type Membership interface {
	IsMember(roomID, connID string) bool
}

// NotAMemberError is returned when a connection submits to a room it has not
// joined. No sequence number is consumed.
type NotAMemberError struct {
	RoomID string
	UserID string
}

func (e *NotAMemberError) Error() string {
	return fmt.Sprintf("user %s is not a member of room %s", e.UserID, e.RoomID)
}

// RejectedError is returned when the merge or persistence collaborator refused
// an operation after it was sequenced. The sequence number is published as a
// skip so receivers do not wait for it.
type RejectedError struct {
	RoomID string
	Seq    uint64
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("operation %d in room %s rejected: %v", e.Seq, e.RoomID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }
