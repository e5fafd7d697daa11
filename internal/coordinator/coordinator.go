package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"collabtext/coordinator/internal/auth"
	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/event"
	"collabtext/coordinator/internal/presence"
	"collabtext/coordinator/internal/protocol"
	"collabtext/coordinator/internal/relay"
	"collabtext/coordinator/internal/room"
)

const (
	teardownTimeout = 5 * time.Second
	// maxClockSkew bounds how far ahead of the server a client timestamp may
	// be.
	maxClockSkew = 10 * time.Minute

	// Ids of delivered direct and broadcast events are remembered so a bus
	// redelivery is dropped.
	recentEvents   = 8192
	recentEventTTL = 2 * time.Minute
)

// ErrFutureTimestamp rejects a client timestamp more than maxClockSkew ahead
// of the server clock.
var ErrFutureTimestamp = errors.New("timestamp too far in the future")

// Config wires a Coordinator. Every component is owned by the caller.
type Config struct {
	Bus               bus.Bus
	Registry          *room.Registry
	Presence          *presence.Tracker
	Operations        *relay.Operations
	Signals           *relay.Signals
	Log               *zap.Logger
	ProcessID         string
	HeartbeatInterval time.Duration
	ProcessTimeout    time.Duration
}

// Coordinator is the lifecycle manager of one process.
type Coordinator struct {
	bus      bus.Bus
	registry *room.Registry
	presence *presence.Tracker
	ops      *relay.Operations
	signals  *relay.Signals
	monitor  *ProcessMonitor
	log      *zap.Logger
	rooms    *attachments
	users    *attachments
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	procSub  bus.Subscription
	cancel   context.CancelFunc
	recent   *expirable.LRU[string, struct{}]

	processID string
	heartbeat time.Duration
	startedAt time.Time

	sessMu   sync.RWMutex
	recentMu sync.Mutex
	wg       sync.WaitGroup
}

// New returns a coordinator. Presence of a room is dropped when the registry
// reports it empty.
func New(cfg Config) *Coordinator {
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 5 * cfg.HeartbeatInterval
	}
	log := cfg.Log.Named("coordinator").With(zap.String("process", cfg.ProcessID))

	c := &Coordinator{
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		presence:  cfg.Presence,
		ops:       cfg.Operations,
		signals:   cfg.Signals,
		monitor:   NewProcessMonitor(cfg.HeartbeatInterval, cfg.ProcessTimeout, cfg.Log),
		log:       log,
		rooms:     newAttachments(),
		users:     newAttachments(),
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		recent:    expirable.NewLRU[string, struct{}](recentEvents, nil, recentEventTTL),
		processID: cfg.ProcessID,
		heartbeat: cfg.HeartbeatInterval,
		startedAt: time.Now(),
	}
	c.registry.OnEmpty(c.presence.Drop)
	c.monitor.SetOnDead(c.evict)
	return c
}

// Name identifies the service in logs.
func (c *Coordinator) Name() string { return "coordinator" }

// ProcessID returns the id this process publishes under.
func (c *Coordinator) ProcessID() string { return c.processID }

// Start subscribes to the process channel and starts heartbeats and the peer
// monitor.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, bus.ProcessChannel, c.onProcessEvent)
	if err != nil {
		return err
	}
	c.procSub = sub

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.monitor.Start(ctx)
	}()

	c.log.Info("coordinator started", zap.Duration("heartbeat", c.heartbeat))
	return nil
}

// Stop tears down every session, which broadcasts their leaves, then stops
// background work.
func (c *Coordinator) Stop() error {
	for _, s := range c.snapshotSessions() {
		s.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.monitor.Stop()
	c.wg.Wait()

	if c.procSub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := c.procSub.Unsubscribe(ctx); err != nil && !errors.Is(err, bus.ErrClosed) {
			return err
		}
	}
	c.log.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	c.sendHeartbeat(ctx)
	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) sendHeartbeat(ctx context.Context) {
	ev := event.New(event.KindHeartbeat, c.processID)
	ev.Timestamp = time.Now().UnixMilli()
	data, err := ev.Encode()
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, bus.ProcessChannel, data); err != nil && ctx.Err() == nil {
		c.log.Warn("heartbeat failed", zap.Error(err))
	}
}

// Bind registers an authenticated connection and subscribes its user channel.
func (c *Coordinator) Bind(ctx context.Context, sender Sender, id auth.Identity) (*Session, error) {
	s := newSession(c, sender, id)

	err := c.users.acquire(id.UserID, func() (bus.Subscription, error) {
		return c.bus.Subscribe(ctx, bus.UserChannel(id.UserID), c.onUserEvent)
	})
	if err != nil {
		return nil, err
	}

	c.sessMu.Lock()
	c.sessions[s.id] = s
	set := c.byUser[id.UserID]
	if set == nil {
		set = make(map[string]*Session)
		c.byUser[id.UserID] = set
	}
	set[s.id] = s
	c.sessMu.Unlock()

	s.setState(StateAuthenticated)
	s.log.Info("session bound")
	return s, nil
}

func (c *Coordinator) unbind(s *Session) {
	c.sessMu.Lock()
	delete(c.sessions, s.id)
	if set := c.byUser[s.identity.UserID]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(c.byUser, s.identity.UserID)
		}
	}
	c.sessMu.Unlock()

	c.users.release(s.identity.UserID, func(sub bus.Subscription) {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := sub.Unsubscribe(ctx); err != nil && !errors.Is(err, bus.ErrClosed) {
			c.log.Warn("unsubscribe user channel", zap.String("user", s.identity.UserID), zap.Error(err))
		}
	})
}

// Session returns a bound session by connection id.
func (c *Coordinator) Session(connID string) (*Session, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	s, ok := c.sessions[connID]
	return s, ok
}

func (c *Coordinator) snapshotSessions() []*Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) userSessions(userID string) []*Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	out := make([]*Session, 0, len(c.byUser[userID]))
	for _, s := range c.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// attach makes this process a receiver of the room: operations are tracked
// from the current sequence number and peers are asked to announce their
// members.
func (c *Coordinator) attach(ctx context.Context, roomID string) error {
	return c.rooms.acquire(roomID, func() (bus.Subscription, error) {
		c.ops.Track(roomID, c.deliverOperation)
		sub, err := c.bus.Subscribe(ctx, bus.RoomChannel(roomID), c.onRoomEvent)
		if err != nil {
			c.ops.Untrack(roomID)
			return nil, err
		}
		if _, err := c.ops.Ready(ctx, roomID); err != nil {
			_ = sub.Unsubscribe(ctx)
			c.ops.Untrack(roomID)
			return nil, &bus.UnavailableError{Channel: bus.RoomChannel(roomID), Attempts: 1, Err: err}
		}

		req := event.New(event.KindSyncRequest, c.processID)
		req.RoomID = roomID
		if err := c.publishRoom(ctx, req); err != nil {
			c.log.Warn("sync request failed", zap.String("room", roomID), zap.Error(err))
		}
		c.log.Debug("room attached", zap.String("room", roomID))
		return sub, nil
	})
}

// release detaches the room once its last local member is gone, forgetting
// the remote members mirrored for it.
func (c *Coordinator) release(roomID string) {
	c.rooms.release(roomID, func(sub bus.Subscription) {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := sub.Unsubscribe(ctx); err != nil && !errors.Is(err, bus.ErrClosed) {
			c.log.Warn("unsubscribe room channel", zap.String("room", roomID), zap.Error(err))
		}
		c.ops.Untrack(roomID)
		for _, m := range c.registry.Members(roomID) {
			if m.ProcessID != c.processID {
				c.registry.Leave(roomID, m.UserID, m.ConnID)
			}
		}
		c.log.Debug("room detached", zap.String("room", roomID))
	})
}

// join adds s to the room and tells everyone about it.
func (c *Coordinator) join(ctx context.Context, s *Session, roomID string) (added bool, err error) {
	members, added, err := c.registry.Join(roomID, s.identity.UserID, s.id, c.processID)
	if err != nil {
		return false, err
	}
	if !added {
		s.reply(c.joinedFrame(s, roomID, members))
		return false, nil
	}
	if err := c.attach(ctx, roomID); err != nil {
		c.registry.Leave(roomID, s.identity.UserID, s.id)
		return false, err
	}

	me := room.Member{RoomID: roomID, UserID: s.identity.UserID, ConnID: s.id, ProcessID: c.processID}
	for _, m := range members {
		if m.ConnID == s.id {
			me = m
		}
	}

	// The snapshot is taken before the joiner's own state is recorded, so
	// the first member of a room sees an empty one.
	joined := c.joinedFrame(s, roomID, members)
	online := true
	ts := c.serverStamp(roomID, s.identity.UserID)
	delta, perr := c.presence.Update(roomID, s.identity.UserID, presence.Update{Online: &online}, ts)

	s.reply(joined)
	c.fanout(roomID, memberFrame(protocol.TypeMemberJoined, me), s.id)

	ev := event.New(event.KindMemberJoined, c.processID)
	ev.RoomID = roomID
	ev.UserID = me.UserID
	ev.ConnID = me.ConnID
	ev.Members = []room.Member{me}
	errs := []error{c.publishRoom(ctx, ev)}

	if perr == nil && !delta.Update.Empty() {
		errs = append(errs, c.shareDelta(ctx, delta, presence.Update{Online: &online}, s.id))
	}
	return true, errors.Join(errs...)
}

// leave removes one membership of s and tells everyone about it. It is a
// no-op when s was not a member.
func (c *Coordinator) leave(ctx context.Context, s *Session, roomID string) error {
	m, ok := c.registry.Leave(roomID, s.identity.UserID, s.id)
	if !ok {
		return nil
	}
	defer c.release(roomID)

	c.fanout(roomID, memberFrame(protocol.TypeMemberLeft, m), "")

	ev := event.New(event.KindMemberLeft, c.processID)
	ev.RoomID = roomID
	ev.UserID = m.UserID
	ev.ConnID = m.ConnID
	ev.Members = []room.Member{m}
	errs := []error{c.publishRoom(ctx, ev)}

	if c.registry.UserConnections(roomID, m.UserID) == 0 && len(c.registry.Members(roomID)) > 0 {
		offline := false
		u := presence.Update{Online: &offline}
		delta, err := c.presence.Update(roomID, m.UserID, u, c.serverStamp(roomID, m.UserID))
		if err == nil && !delta.Update.Empty() {
			errs = append(errs, c.shareDelta(ctx, delta, u, ""))
		}
	}
	return errors.Join(errs...)
}

// updatePresence applies a change made by s and shares it.
func (c *Coordinator) updatePresence(ctx context.Context, s *Session, roomID string, u presence.Update, ts int64) error {
	if !c.registry.IsMember(roomID, s.id) {
		return &relay.NotAMemberError{RoomID: roomID, UserID: s.identity.UserID}
	}
	ts, err := c.clientStamp(roomID, s.identity.UserID, ts)
	if err != nil {
		return err
	}
	delta, err := c.presence.Update(roomID, s.identity.UserID, u, ts)
	if errors.Is(err, presence.ErrStaleUpdate) {
		s.log.Debug("stale presence update dropped", zap.String("room", roomID), zap.Int64("ts", ts))
		return nil
	}
	if err != nil {
		return err
	}
	if delta.Update.Empty() {
		return nil
	}
	return c.shareDelta(ctx, delta, u, s.id)
}

// shareDelta fans a locally applied presence delta out to local members,
// except exclude, and publishes the originating update.
func (c *Coordinator) shareDelta(ctx context.Context, delta presence.Delta, u presence.Update, exclude string) error {
	c.fanout(delta.RoomID, presenceFrame(delta), exclude)

	ev := event.New(event.KindPresence, c.processID)
	ev.RoomID = delta.RoomID
	ev.UserID = delta.UserID
	ev.Timestamp = delta.Timestamp
	ev.Presence = &u
	return c.publishRoom(ctx, ev)
}

// broadcast sends an unsequenced frame to every other member of the room.
func (c *Coordinator) broadcast(ctx context.Context, s *Session, roomID string, typ protocol.Type, payload []byte, ts int64) error {
	if !c.registry.IsMember(roomID, s.id) {
		return &relay.NotAMemberError{RoomID: roomID, UserID: s.identity.UserID}
	}
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	c.fanout(roomID, protocol.Outbound{
		Type:         typ,
		RoomID:       roomID,
		From:         s.identity.UserID,
		ConnectionID: s.id,
		Payload:      payload,
		Timestamp:    ts,
	}, s.id)

	ev := event.New(event.KindBroadcast, c.processID)
	ev.Type = typ
	ev.RoomID = roomID
	ev.UserID = s.identity.UserID
	ev.ConnID = s.id
	ev.Payload = payload
	ev.Timestamp = ts
	return c.publishRoom(ctx, ev)
}

// clientStamp returns the client's timestamp for a client-owned presence
// change, or a millisecond stamp newer than the last client change when the
// frame carried none.
func (c *Coordinator) clientStamp(roomID, userID string, ts int64) (int64, error) {
	now := time.Now().UnixMilli()
	if ts > 0 {
		if ts > now+maxClockSkew.Milliseconds() {
			return 0, ErrFutureTimestamp
		}
		return ts, nil
	}
	var last int64
	if st, ok := c.presence.Get(roomID, userID); ok {
		last = st.UpdatedAt
	}
	return after(last, now), nil
}

// serverStamp returns a stamp for an online change, newer than the last one.
func (c *Coordinator) serverStamp(roomID, userID string) int64 {
	var last int64
	if st, ok := c.presence.Get(roomID, userID); ok {
		last = st.OnlineAt
	}
	return after(last, time.Now().UnixMilli())
}

// after returns now, or last+1 when last is not older. It saturates.
func after(last, now int64) int64 {
	switch {
	case last < now:
		return now
	case last == math.MaxInt64:
		return last
	}
	return last + 1
}

func (c *Coordinator) publishRoom(ctx context.Context, ev event.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, bus.RoomChannel(ev.RoomID), data)
}

// fanout writes frame to every local member of the room except exclude.
func (c *Coordinator) fanout(roomID string, frame protocol.Outbound, exclude string) {
	data, err := frame.Encode()
	if err != nil {
		c.log.Error("encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return
	}
	for _, m := range c.registry.Members(roomID) {
		if m.ProcessID != c.processID || m.ConnID == exclude {
			continue
		}
		if s, ok := c.Session(m.ConnID); ok {
			s.send(data)
		}
	}
}

func (c *Coordinator) deliverOperation(d relay.Delivery) {
	if d.Late {
		// Only the submitter hears about it, so it can resubmit.
		if s, ok := c.Session(d.ConnID); ok {
			s.reply(protocol.ErrorFrame(d.RoomID, protocol.TypeOperation, protocol.CodeRejected,
				fmt.Sprintf("operation %d arrived after it was skipped, resubmit it", d.Seq)))
		}
		return
	}
	c.fanout(d.RoomID, protocol.Outbound{
		Type:         protocol.TypeOperation,
		RoomID:       d.RoomID,
		From:         d.UserID,
		ConnectionID: d.ConnID,
		Seq:          d.Seq,
		Payload:      d.Payload,
	}, d.ConnID)

	if s, ok := c.Session(d.ConnID); ok {
		s.reply(protocol.Outbound{
			Type:         protocol.TypeOperationAck,
			RoomID:       d.RoomID,
			ConnectionID: d.ConnID,
			Seq:          d.Seq,
		})
	}
}

// evict forgets every membership held by a dead peer process and marks its
// users offline when they have no connection left in the room. Every process
// does this on its own, so nothing is published.
func (c *Coordinator) evict(processID string) {
	removed := c.registry.RemoveProcess(processID)
	if len(removed) == 0 {
		return
	}
	c.log.Warn("evicted memberships of dead process",
		zap.String("peer", processID),
		zap.Int("members", len(removed)),
	)

	type roomUser struct{ room, user string }
	seen := make(map[roomUser]bool)
	for _, m := range removed {
		c.fanout(m.RoomID, memberFrame(protocol.TypeMemberLeft, m), "")

		key := roomUser{m.RoomID, m.UserID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if c.registry.UserConnections(m.RoomID, m.UserID) > 0 || len(c.registry.Members(m.RoomID)) == 0 {
			continue
		}
		offline := false
		delta, err := c.presence.Update(m.RoomID, m.UserID, presence.Update{Online: &offline}, c.serverStamp(m.RoomID, m.UserID))
		if err == nil && !delta.Update.Empty() {
			c.fanout(m.RoomID, presenceFrame(delta), "")
		}
	}
}

func (c *Coordinator) joinedFrame(s *Session, roomID string, members []room.Member) protocol.Outbound {
	return protocol.Outbound{
		Type:         protocol.TypeJoined,
		RoomID:       roomID,
		From:         s.identity.UserID,
		ConnectionID: s.id,
		Members:      memberInfos(members),
		Presence:     c.presence.Snapshot(roomID),
		Timestamp:    time.Now().UnixMilli(),
	}
}

func memberFrame(typ protocol.Type, m room.Member) protocol.Outbound {
	return protocol.Outbound{
		Type:         typ,
		RoomID:       m.RoomID,
		From:         m.UserID,
		ConnectionID: m.ConnID,
		Members:      memberInfos([]room.Member{m}),
	}
}

func presenceFrame(d presence.Delta) protocol.Outbound {
	return protocol.Outbound{
		Type:      protocol.TypePresence,
		RoomID:    d.RoomID,
		From:      d.UserID,
		Delta:     &d,
		Timestamp: d.Timestamp,
	}
}

func memberInfos(members []room.Member) []protocol.MemberInfo {
	out := make([]protocol.MemberInfo, 0, len(members))
	for _, m := range members {
		out = append(out, protocol.MemberInfo{UserID: m.UserID, ConnectionID: m.ConnID, ProcessID: m.ProcessID})
	}
	return out
}

// Stats is the coordinator view served by the health endpoint.
type Stats struct {
	StartedAt     time.Time       `json:"startedAt"`
	ProcessID     string          `json:"processId"`
	Rooms         []room.Stats    `json:"rooms"`
	Peers         []ProcessHealth `json:"peers"`
	Connections   int             `json:"connections"`
	AttachedRooms int             `json:"attachedRooms"`
	PresenceRooms int             `json:"presenceRooms"`
}

// Stats returns a point-in-time summary.
func (c *Coordinator) Stats() Stats {
	c.sessMu.RLock()
	conns := len(c.sessions)
	c.sessMu.RUnlock()
	return Stats{
		StartedAt:     c.startedAt,
		ProcessID:     c.processID,
		Rooms:         c.registry.Rooms(),
		Peers:         c.monitor.Processes(),
		Connections:   conns,
		AttachedRooms: c.rooms.len(),
		PresenceRooms: c.presence.RoomCount(),
	}
}

// RoomView describes one room for the read-only HTTP surface.
type RoomView struct {
	RoomID      string                `json:"roomId"`
	Members     []protocol.MemberInfo `json:"members"`
	Presence    []presence.State      `json:"presence"`
	Connections []ConnectionView      `json:"connections"`
	NextSeq     uint64                `json:"nextSeq,omitempty"`
}

// ConnectionView describes a connection bound to this process.
type ConnectionView struct {
	LastSeen     time.Time `json:"lastSeen"`
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	State        string    `json:"state"`
}

// Room returns the view of roomID; ok is false when it has no members.
func (c *Coordinator) Room(roomID string) (RoomView, bool) {
	members := c.registry.Members(roomID)
	if len(members) == 0 {
		return RoomView{}, false
	}
	view := RoomView{
		RoomID:      roomID,
		Members:     memberInfos(members),
		Presence:    c.presence.Snapshot(roomID),
		Connections: []ConnectionView{},
		NextSeq:     c.ops.Position(roomID),
	}
	for _, m := range members {
		if m.ProcessID != c.processID {
			continue
		}
		if s, ok := c.Session(m.ConnID); ok {
			view.Connections = append(view.Connections, ConnectionView{
				LastSeen:     s.LastSeen(),
				ConnectionID: s.ID(),
				UserID:       s.Identity().UserID,
				State:        s.State().String(),
			})
		}
	}
	return view, true
}

// attachedRooms lists rooms this process receives, sorted.
func (c *Coordinator) attachedRooms() []string {
	keys := c.rooms.keys()
	slices.Sort(keys)
	return keys
}
