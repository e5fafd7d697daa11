// Package protocol defines the client wire format: inbound frames decoded into
// a closed set of message variants, and the outbound frames the coordinator
// writes back.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collabtext/coordinator/internal/presence"
)

// Type is the "type" field of a frame.
type Type string

// Inbound frame types.
const (
	TypeJoin              Type = "join"
	TypeLeave             Type = "leave"
	TypeOperation         Type = "operation"
	TypePresenceUpdate    Type = "presence-update"
	TypeSignalOffer       Type = "signal-offer"
	TypeSignalAnswer      Type = "signal-answer"
	TypeSignalICE         Type = "signal-ice"
	TypeSignalScreenShare Type = "signal-screen-share"
	TypeDrawingStart      Type = "drawing-start"
	TypeDraw              Type = "draw"
	TypeDrawingEnd        Type = "drawing-end"
	TypeChatMessage       Type = "chat-message"
	TypeTypingStart       Type = "typing-start"
	TypeTypingStop        Type = "typing-stop"
)

// Envelope is the raw inbound frame.
type Envelope struct {
	Type      Type            `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ErrUnknownType is wrapped by Decode for frames with an unsupported type.
var ErrUnknownType = errors.New("unknown message type")

// DecodeError describes a frame that could not be turned into a Message.
type DecodeError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Type, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Handler receives decoded messages. It has one method per variant, so adding
// a variant without handling it fails to compile wherever a Handler is
// implemented.
type Handler interface {
	HandleJoin(ctx context.Context, m Join) error
	HandleLeave(ctx context.Context, m Leave) error
	HandleOperation(ctx context.Context, m Operation) error
	HandlePresence(ctx context.Context, m PresenceUpdate) error
	HandleTyping(ctx context.Context, m Typing) error
	HandleSignal(ctx context.Context, m Signal) error
	HandleDrawing(ctx context.Context, m Drawing) error
	HandleChat(ctx context.Context, m Chat) error
}

// Message is a decoded inbound frame. The set of implementations is closed:
// the unexported method keeps other packages from adding variants.
type Message interface {
	Room() string
	Dispatch(ctx context.Context, h Handler) error
	sealed()
}

// Join asks to enter a room.
type Join struct{ RoomID string }

// Leave asks to exit a room.
type Leave struct{ RoomID string }

// Operation is an opaque document edit to be ordered and fanned out.
type Operation struct {
	RoomID  string
	Payload json.RawMessage
}

// PresenceUpdate changes the sender's cursor, selection or status.
type PresenceUpdate struct {
	RoomID    string
	Update    presence.Update
	Timestamp int64
}

// Typing toggles the sender's typing flag (typing-start / typing-stop).
type Typing struct {
	RoomID    string
	Active    bool
	Timestamp int64
}

// Signal is a point-to-point call control message (offer, answer, ICE
// candidate, screen share control).
type Signal struct {
	Kind    Type
	RoomID  string
	To      string
	Payload json.RawMessage
}

// Drawing is a whiteboard stroke event. With To set it is relayed to one user,
// otherwise to the whole room.
type Drawing struct {
	Kind      Type
	RoomID    string
	To        string
	Payload   json.RawMessage
	Timestamp int64
}

// Chat is a chat line. With To set it is a direct message.
type Chat struct {
	RoomID    string
	To        string
	Payload   json.RawMessage
	Timestamp int64
}

func (m Join) Room() string           { return m.RoomID }
func (m Leave) Room() string          { return m.RoomID }
func (m Operation) Room() string      { return m.RoomID }
func (m PresenceUpdate) Room() string { return m.RoomID }
func (m Typing) Room() string         { return m.RoomID }
func (m Signal) Room() string         { return m.RoomID }
func (m Drawing) Room() string        { return m.RoomID }
func (m Chat) Room() string           { return m.RoomID }

func (m Join) Dispatch(ctx context.Context, h Handler) error      { return h.HandleJoin(ctx, m) }
func (m Leave) Dispatch(ctx context.Context, h Handler) error     { return h.HandleLeave(ctx, m) }
func (m Operation) Dispatch(ctx context.Context, h Handler) error { return h.HandleOperation(ctx, m) }
func (m PresenceUpdate) Dispatch(ctx context.Context, h Handler) error {
	return h.HandlePresence(ctx, m)
}
func (m Typing) Dispatch(ctx context.Context, h Handler) error  { return h.HandleTyping(ctx, m) }
func (m Signal) Dispatch(ctx context.Context, h Handler) error  { return h.HandleSignal(ctx, m) }
func (m Drawing) Dispatch(ctx context.Context, h Handler) error { return h.HandleDrawing(ctx, m) }
func (m Chat) Dispatch(ctx context.Context, h Handler) error    { return h.HandleChat(ctx, m) }

func (Join) sealed()           {}
func (Leave) sealed()          {}
func (Operation) sealed()      {}
func (PresenceUpdate) sealed() {}
func (Typing) sealed()         {}
func (Signal) sealed()         {}
func (Drawing) sealed()        {}
func (Chat) sealed()           {}

// Decode parses one inbound frame.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	return env.Message()
}

// Message converts the envelope into its variant, validating required fields.
func (env Envelope) Message() (Message, error) {
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}
	if _, ok := known[env.Type]; !ok {
		return nil, &DecodeError{Type: env.Type, Reason: "unsupported", Err: ErrUnknownType}
	}
	if env.RoomID == "" {
		return nil, &DecodeError{Type: env.Type, Reason: "missing roomId"}
	}

	switch env.Type {
	case TypeJoin:
		return Join{RoomID: env.RoomID}, nil
	case TypeLeave:
		return Leave{RoomID: env.RoomID}, nil
	case TypeOperation:
		if len(env.Payload) == 0 {
			return nil, &DecodeError{Type: env.Type, Reason: "missing payload"}
		}
		return Operation{RoomID: env.RoomID, Payload: env.Payload}, nil
	case TypePresenceUpdate:
		var u presence.Update
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &u); err != nil {
				return nil, &DecodeError{Type: env.Type, Reason: "invalid payload", Err: err}
			}
		}
		if u.Empty() {
			return nil, &DecodeError{Type: env.Type, Reason: "empty presence update"}
		}
		return PresenceUpdate{RoomID: env.RoomID, Update: u, Timestamp: env.Timestamp}, nil
	case TypeTypingStart, TypeTypingStop:
		return Typing{RoomID: env.RoomID, Active: env.Type == TypeTypingStart, Timestamp: env.Timestamp}, nil
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE, TypeSignalScreenShare:
		if env.To == "" {
			return nil, &DecodeError{Type: env.Type, Reason: "missing to"}
		}
		return Signal{Kind: env.Type, RoomID: env.RoomID, To: env.To, Payload: env.Payload}, nil
	case TypeDrawingStart, TypeDraw, TypeDrawingEnd:
		return Drawing{Kind: env.Type, RoomID: env.RoomID, To: env.To, Payload: env.Payload, Timestamp: env.Timestamp}, nil
	case TypeChatMessage:
		if len(env.Payload) == 0 {
			return nil, &DecodeError{Type: env.Type, Reason: "missing payload"}
		}
		return Chat{RoomID: env.RoomID, To: env.To, Payload: env.Payload, Timestamp: env.Timestamp}, nil
	}
	return nil, &DecodeError{Type: env.Type, Reason: "unsupported", Err: ErrUnknownType}
}

var known = map[Type]struct{}{
	TypeJoin: {}, TypeLeave: {}, TypeOperation: {}, TypePresenceUpdate: {},
	TypeSignalOffer: {}, TypeSignalAnswer: {}, TypeSignalICE: {}, TypeSignalScreenShare: {},
	TypeDrawingStart: {}, TypeDraw: {}, TypeDrawingEnd: {},
	TypeChatMessage: {}, TypeTypingStart: {}, TypeTypingStop: {},
}

// TypeOf returns the frame type a message was decoded from.
func TypeOf(m Message) Type {
	switch v := m.(type) {
	case Join:
		return TypeJoin
	case Leave:
		return TypeLeave
	case Operation:
		return TypeOperation
	case PresenceUpdate:
		return TypePresenceUpdate
	case Typing:
		if v.Active {
			return TypeTypingStart
		}
		return TypeTypingStop
	case Signal:
		return v.Kind
	case Drawing:
		return v.Kind
	case Chat:
		return TypeChatMessage
	}
	return ""
}
