// Package bus is the cross-process publish/subscribe backbone. Any process can
// publish to a channel and every process subscribed to it receives the
// payload, which is how a message reaches a connection held by another
// process.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// Channel naming convention.
const (
	roomPrefix = "collab:room:"
	userPrefix = "collab:user:"

	// ProcessChannel carries process heartbeats.
	ProcessChannel = "collab:processes"
)

// RoomChannel carries operations, presence and membership events of a room.
func RoomChannel(roomID string) string { return roomPrefix + roomID }

// UserChannel carries direct signaling addressed to a user.
func UserChannel(userID string) string { return userPrefix + userID }

// Handler consumes one message. Messages of a channel are handed to its
// handlers one at a time, in publish order; handlers should return quickly.
type Handler func(ctx context.Context, channel string, payload []byte)

// Subscription is an active Subscribe call.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Bus publishes and subscribes. Delivery to subscribed processes is
// at-least-once; consumers must tolerate duplicates.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// UnavailableError reports a publish that still failed after the bounded retry
// policy. The message must be considered undelivered.
type UnavailableError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("bus unavailable: publish to %s failed after %d attempts: %v", e.Channel, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
