// Package event defines the messages coordinator processes exchange over the
// bus.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"collabtext/coordinator/internal/presence"
	"collabtext/coordinator/internal/protocol"
	"collabtext/coordinator/internal/room"
)

// Kind discriminates bus events.
type Kind string

const (
	// KindOperation is a sequenced document operation.
	KindOperation Kind = "operation"
	// KindSkip marks a sequence number that was assigned but rejected, so
	// receivers advance without waiting for it.
	KindSkip Kind = "skip"
	// KindMemberJoined and KindMemberLeft mirror membership changes.
	KindMemberJoined Kind = "member-joined"
	KindMemberLeft   Kind = "member-left"
	// KindPresence carries a presence update with its timestamp.
	KindPresence Kind = "presence"
	// KindBroadcast is an unsequenced room-wide frame (chat, drawing).
	KindBroadcast Kind = "broadcast"
	// KindSyncRequest asks peers to announce their local members of a room.
	KindSyncRequest Kind = "sync-request"
	// KindAnnounce answers a sync request.
	KindAnnounce Kind = "announce"
	// KindSignal is a direct message published on a user channel.
	KindSignal Kind = "signal"
	// KindHeartbeat is published periodically on the process channel.
	KindHeartbeat Kind = "heartbeat"
)

// Event is the bus payload. Fields beyond Kind, Origin and ID are set
// according to the kind.
type Event struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	Origin    string           `json:"origin"`
	RoomID    string           `json:"roomId,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	ConnID    string           `json:"connId,omitempty"`
	To        string           `json:"to,omitempty"`
	Type      protocol.Type    `json:"type,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	Timestamp int64            `json:"ts,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Presence  *presence.Update `json:"presence,omitempty"`
	Members   []room.Member    `json:"members,omitempty"`
	States    []presence.State `json:"states,omitempty"`
}

// New returns an event with a fresh id.
func New(kind Kind, origin string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Origin: origin}
}

// Encode marshals the event.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	return data, nil
}

// Decode unmarshals an event and checks the envelope fields.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Kind == "" || e.Origin == "" {
		return Event{}, fmt.Errorf("decode event: missing kind or origin")
	}
	return e, nil
}
