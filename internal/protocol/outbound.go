package protocol

import (
	"encoding/json"

	"collabtext/coordinator/internal/presence"
)

// Outbound frame types. Signal, drawing and chat frames reuse their inbound
// type.
const (
	TypeJoined       Type = "joined"
	TypeLeft         Type = "left"
	TypeMemberJoined Type = "member-joined"
	TypeMemberLeft   Type = "member-left"
	TypeOperationAck Type = "operation-ack"
	TypePresence     Type = "presence"
	TypeError        Type = "error"
)

// Error codes carried by TypeError frames. They are only ever sent to the
// connection that caused them.
const (
	CodeBadRequest     = "bad_request"
	CodeRoomFull       = "room_full"
	CodeNotAMember     = "not_a_member"
	CodeBusUnavailable = "bus_unavailable"
	CodeRejected       = "rejected"
	CodeInternal       = "internal"
)

// MemberInfo is the client view of a membership.
type MemberInfo struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	ProcessID    string `json:"processId"`
}

// ErrorBody describes a per-connection failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     Type   `json:"ref,omitempty"`
}

// Outbound is a frame written to a client.
type Outbound struct {
	Type         Type             `json:"type"`
	RoomID       string           `json:"roomId,omitempty"`
	From         string           `json:"from,omitempty"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Seq          uint64           `json:"seq,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Members      []MemberInfo     `json:"members,omitempty"`
	Presence     []presence.State `json:"presence,omitempty"`
	Delta        *presence.Delta  `json:"delta,omitempty"`
	Timestamp    int64            `json:"timestamp,omitempty"`
	Error        *ErrorBody       `json:"error,omitempty"`
}

// ErrorFrame builds an error frame answering a message of type ref.
func ErrorFrame(roomID string, ref Type, code, msg string) Outbound {
	return Outbound{
		Type:   TypeError,
		RoomID: roomID,
		Error:  &ErrorBody{Code: code, Message: msg, Ref: ref},
	}
}

// Encode marshals the frame for the transport.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}
