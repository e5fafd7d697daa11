package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/event"
	"collabtext/coordinator/internal/protocol"
)

// Envelope is a message addressed to one user.
type Envelope struct {
	Type      protocol.Type
	RoomID    string
	From      string
	FromConn  string
	To        string
	Payload   json.RawMessage
	Timestamp int64
}

// Signals forwards envelopes on the target user's channel. It does not keep
// any per-call state.
type Signals struct {
	bus     bus.Bus
	members Membership
	log     *zap.Logger
	origin  string
}

// NewSignals returns a signaling relay publishing as origin.
func NewSignals(b bus.Bus, members Membership, origin string, log *zap.Logger) *Signals {
	return &Signals{bus: b, members: members, origin: origin, log: log.Named("signals")}
}

// Relay publishes env to env.To. The sender must be a member of the room.
// Whether anyone receives it depends on the target having a live connection
// somewhere; an unreachable target is not an error.
func (s *Signals) Relay(ctx context.Context, env Envelope) error {
	if !s.members.IsMember(env.RoomID, env.FromConn) {
		return &NotAMemberError{RoomID: env.RoomID, UserID: env.From}
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	ev := event.New(event.KindSignal, s.origin)
	ev.Type = env.Type
	ev.RoomID = env.RoomID
	ev.UserID = env.From
	ev.ConnID = env.FromConn
	ev.To = env.To
	ev.Payload = env.Payload
	ev.Timestamp = env.Timestamp

	data, err := ev.Encode()
	if err != nil {
		return err
	}
	s.log.Debug("relaying",
		zap.String("type", string(env.Type)),
		zap.String("room", env.RoomID),
		zap.String("from", env.From),
		zap.String("to", env.To),
	)
	return s.bus.Publish(ctx, bus.UserChannel(env.To), data)
}

// Unwrap converts a signal event received on a user channel back into an
// envelope. ok is false for other kinds.
func Unwrap(ev event.Event) (Envelope, bool) {
	if ev.Kind != event.KindSignal {
		return Envelope{}, false
	}
	return Envelope{
		Type:      ev.Type,
		RoomID:    ev.RoomID,
		From:      ev.UserID,
		FromConn:  ev.ConnID,
		To:        ev.To,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}, true
}
