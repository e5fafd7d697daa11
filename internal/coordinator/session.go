package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"collabtext/coordinator/internal/auth"
	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/presence"
	"collabtext/coordinator/internal/protocol"
	"collabtext/coordinator/internal/relay"
	"collabtext/coordinator/internal/room"
)

// Sender is the outbound half of a client transport.
type Sender interface {
	// Send queues one encoded frame without blocking. It returns false when
	// the frame could not be queued.
	Send(frame []byte) bool
	// Close shuts the transport down. It may be called more than once.
	Close() error
}

// State is a session's lifecycle state.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateRoomMember
	StateDisconnecting
	StateGone
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateRoomMember:
		return "room-member"
	case StateDisconnecting:
		return "disconnecting"
	case StateGone:
		return "gone"
	}
	return "unknown"
}

// Session is one bound connection. Inbound messages are handled one at a time
// under the session lock, which teardown also takes, so a message is either
// fully handled before teardown or not handled at all.
type Session struct {
	c         *Coordinator
	sender    Sender
	log       *zap.Logger
	rooms     map[string]struct{}
	identity  auth.Identity
	id        string
	lastSeen  atomic.Int64
	state     atomic.Int32
	mu        sync.Mutex
	closeOnce sync.Once
}

func newSession(c *Coordinator, sender Sender, id auth.Identity) *Session {
	connID := uuid.NewString()
	s := &Session{
		c:        c,
		sender:   sender,
		log:      c.log.With(zap.String("conn", connID), zap.String("user", id.UserID)),
		rooms:    make(map[string]struct{}),
		identity: id,
		id:       connID,
	}
	s.Touch()
	return s
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated user.
func (s *Session) Identity() auth.Identity { return s.identity }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Touch refreshes the liveness timestamp.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the client was last heard from.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Rooms lists the rooms the session joined, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomList()
}

func (s *Session) roomList() []string {
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Handle decodes and dispatches one inbound frame. Failures are reported to
// this connection only.
func (s *Session) Handle(ctx context.Context, data []byte) {
	s.Touch()
	msg, err := protocol.Decode(data)
	if err != nil {
		var de *protocol.DecodeError
		ref := protocol.Type("")
		if errors.As(err, &de) {
			ref = de.Type
		}
		s.reply(protocol.ErrorFrame("", ref, protocol.CodeBadRequest, err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() >= StateDisconnecting {
		return
	}
	if err := msg.Dispatch(ctx, s); err != nil {
		s.fail(msg, err)
	}
}

// fail maps a handler error onto an error frame.
func (s *Session) fail(msg protocol.Message, err error) {
	var (
		full     *room.FullError
		notMem   *relay.NotAMemberError
		unavail  *bus.UnavailableError
		rejected *relay.RejectedError
		code     string
	)
	switch {
	case errors.As(err, &full):
		code = protocol.CodeRoomFull
	case errors.As(err, &notMem):
		code = protocol.CodeNotAMember
	case errors.As(err, &unavail):
		code = protocol.CodeBusUnavailable
	case errors.As(err, &rejected):
		code = protocol.CodeRejected
	case errors.Is(err, ErrFutureTimestamp):
		code = protocol.CodeBadRequest
	default:
		code = protocol.CodeInternal
		s.log.Error("handling message", zap.String("type", string(protocol.TypeOf(msg))), zap.Error(err))
		err = errors.New("internal error")
	}
	s.log.Debug("message failed",
		zap.String("type", string(protocol.TypeOf(msg))),
		zap.String("code", code),
		zap.Error(err),
	)
	s.reply(protocol.ErrorFrame(msg.Room(), protocol.TypeOf(msg), code, err.Error()))
}

func (s *Session) reply(frame protocol.Outbound) {
	data, err := frame.Encode()
	if err != nil {
		s.log.Error("encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return
	}
	s.send(data)
}

// send queues data. A connection that cannot keep up is torn down.
func (s *Session) send(data []byte) bool {
	if s.State() == StateGone {
		return false
	}
	if s.sender.Send(data) {
		return true
	}
	if s.State() < StateDisconnecting {
		s.log.Warn("send queue full, dropping slow connection")
		go s.Close()
	}
	return false
}

// Close tears the session down: every room is left, the user channel is
// released and the transport closed. Only the first call does anything.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setState(StateDisconnecting)
		rooms := s.roomList()
		s.rooms = make(map[string]struct{})
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		for _, roomID := range rooms {
			if err := s.c.leave(ctx, s, roomID); err != nil {
				s.log.Warn("leave during teardown", zap.String("room", roomID), zap.Error(err))
			}
		}
		s.c.unbind(s)
		if err := s.sender.Close(); err != nil {
			s.log.Debug("close transport", zap.Error(err))
		}
		s.setState(StateGone)
		s.log.Info("session closed", zap.Int("rooms", len(rooms)))
	})
}

func (s *Session) HandleJoin(ctx context.Context, m protocol.Join) error {
	added, err := s.c.join(ctx, s, m.RoomID)
	if added {
		s.rooms[m.RoomID] = struct{}{}
		s.setState(StateRoomMember)
	}
	return err
}

func (s *Session) HandleLeave(ctx context.Context, m protocol.Leave) error {
	if _, ok := s.rooms[m.RoomID]; !ok {
		return &relay.NotAMemberError{RoomID: m.RoomID, UserID: s.identity.UserID}
	}
	delete(s.rooms, m.RoomID)
	if len(s.rooms) == 0 {
		s.setState(StateAuthenticated)
	}
	err := s.c.leave(ctx, s, m.RoomID)
	s.reply(protocol.Outbound{Type: protocol.TypeLeft, RoomID: m.RoomID, ConnectionID: s.id})
	return err
}

func (s *Session) HandleOperation(ctx context.Context, m protocol.Operation) error {
	_, err := s.c.ops.Submit(ctx, m.RoomID, s.identity.UserID, s.id, m.Payload)
	return err
}

func (s *Session) HandlePresence(ctx context.Context, m protocol.PresenceUpdate) error {
	u := m.Update
	// Online is owned by the connection lifecycle.
	u.Online = nil
	if u.Empty() {
		if !s.c.registry.IsMember(m.RoomID, s.id) {
			return &relay.NotAMemberError{RoomID: m.RoomID, UserID: s.identity.UserID}
		}
		return nil
	}
	return s.c.updatePresence(ctx, s, m.RoomID, u, m.Timestamp)
}

func (s *Session) HandleTyping(ctx context.Context, m protocol.Typing) error {
	active := m.Active
	return s.c.updatePresence(ctx, s, m.RoomID, presence.Update{Typing: &active}, m.Timestamp)
}

func (s *Session) HandleSignal(ctx context.Context, m protocol.Signal) error {
	return s.c.signals.Relay(ctx, relay.Envelope{
		Type:     m.Kind,
		RoomID:   m.RoomID,
		From:     s.identity.UserID,
		FromConn: s.id,
		To:       m.To,
		Payload:  m.Payload,
	})
}

func (s *Session) HandleDrawing(ctx context.Context, m protocol.Drawing) error {
	if m.To != "" {
		return s.c.signals.Relay(ctx, relay.Envelope{
			Type:      m.Kind,
			RoomID:    m.RoomID,
			From:      s.identity.UserID,
			FromConn:  s.id,
			To:        m.To,
			Payload:   m.Payload,
			Timestamp: m.Timestamp,
		})
	}
	return s.c.broadcast(ctx, s, m.RoomID, m.Kind, m.Payload, m.Timestamp)
}

func (s *Session) HandleChat(ctx context.Context, m protocol.Chat) error {
	if m.To != "" {
		return s.c.signals.Relay(ctx, relay.Envelope{
			Type:      protocol.TypeChatMessage,
			RoomID:    m.RoomID,
			From:      s.identity.UserID,
			FromConn:  s.id,
			To:        m.To,
			Payload:   m.Payload,
			Timestamp: m.Timestamp,
		})
	}
	return s.c.broadcast(ctx, s, m.RoomID, protocol.TypeChatMessage, m.Payload, m.Timestamp)
}

var _ protocol.Handler = (*Session)(nil)
