package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"collabtext/coordinator/internal/event"
	"collabtext/coordinator/internal/presence"
	"collabtext/coordinator/internal/protocol"
	"collabtext/coordinator/internal/relay"
	"collabtext/coordinator/internal/room"
)

func (c *Coordinator) decode(channel string, payload []byte) (event.Event, bool) {
	ev, err := event.Decode(payload)
	if err != nil {
		c.log.Warn("dropping malformed event", zap.String("channel", channel), zap.Error(err))
		return event.Event{}, false
	}
	if ev.Origin != c.processID && c.monitor.Seen(ev.Origin) {
		c.resync()
	}
	return ev, true
}

// onRoomEvent handles everything published on a room channel. Changes made
// by this process were applied before publishing and are skipped here;
// sequenced events always go through the orderer.
func (c *Coordinator) onRoomEvent(_ context.Context, channel string, payload []byte) {
	ev, ok := c.decode(channel, payload)
	if !ok {
		return
	}
	switch ev.Kind {
	case event.KindOperation, event.KindSkip:
		c.ops.Receive(ev)
		return
	}
	if ev.Origin == c.processID || !c.rooms.has(ev.RoomID) {
		return
	}

	switch ev.Kind {
	case event.KindMemberJoined:
		c.addRemote(ev.Members)
	case event.KindMemberLeft:
		for _, m := range ev.Members {
			if left, ok := c.registry.Leave(ev.RoomID, m.UserID, m.ConnID); ok {
				c.fanout(ev.RoomID, memberFrame(protocol.TypeMemberLeft, left), "")
			}
		}
	case event.KindPresence:
		if ev.Presence != nil {
			c.applyRemotePresence(ev.RoomID, ev.UserID, *ev.Presence, ev.Timestamp)
		}
	case event.KindBroadcast:
		if !c.firstDelivery(ev.ID) {
			return
		}
		c.fanout(ev.RoomID, protocol.Outbound{
			Type:         ev.Type,
			RoomID:       ev.RoomID,
			From:         ev.UserID,
			ConnectionID: ev.ConnID,
			Payload:      ev.Payload,
			Timestamp:    ev.Timestamp,
		}, ev.ConnID)
	case event.KindSyncRequest:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			c.announce(ctx, ev.RoomID)
		}()
	case event.KindAnnounce:
		c.addRemote(ev.Members)
		for _, st := range ev.States {
			client, online := stateUpdates(st)
			if st.UpdatedAt > 0 {
				c.applyRemotePresence(ev.RoomID, st.UserID, client, st.UpdatedAt)
			}
			c.applyRemotePresence(ev.RoomID, st.UserID, online, st.OnlineAt)
		}
	default:
		c.log.Debug("ignoring event", zap.String("kind", string(ev.Kind)), zap.String("channel", channel))
	}
}

// firstDelivery reports whether the event id has not been delivered yet and
// remembers it.
func (c *Coordinator) firstDelivery(id string) bool {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	if c.recent.Contains(id) {
		c.log.Debug("dropping redelivered event", zap.String("id", id))
		return false
	}
	c.recent.Add(id, struct{}{})
	return true
}

// addRemote mirrors memberships owned by other processes.
func (c *Coordinator) addRemote(members []room.Member) {
	for _, m := range members {
		if m.ProcessID == c.processID || m.RoomID == "" {
			continue
		}
		if c.registry.Add(m) {
			c.fanout(m.RoomID, memberFrame(protocol.TypeMemberJoined, m), "")
		}
	}
}

func (c *Coordinator) applyRemotePresence(roomID, userID string, u presence.Update, ts int64) {
	delta, err := c.presence.Update(roomID, userID, u, ts)
	if errors.Is(err, presence.ErrStaleUpdate) {
		return
	}
	if err != nil || delta.Update.Empty() {
		return
	}
	c.fanout(roomID, presenceFrame(delta), "")
}

// announce answers a sync request with this process's members of the room and
// their presence.
func (c *Coordinator) announce(ctx context.Context, roomID string) {
	var local []room.Member
	var states []presence.State
	seen := make(map[string]bool)
	for _, m := range c.registry.Members(roomID) {
		if m.ProcessID != c.processID {
			continue
		}
		local = append(local, m)
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		if st, ok := c.presence.Get(roomID, m.UserID); ok {
			states = append(states, st)
		}
	}
	if len(local) == 0 {
		return
	}

	ev := event.New(event.KindAnnounce, c.processID)
	ev.RoomID = roomID
	ev.Members = local
	ev.States = states
	if err := c.publishRoom(ctx, ev); err != nil {
		c.log.Warn("announce failed", zap.String("room", roomID), zap.Error(err))
	}
}

// onUserEvent delivers direct messages to the local connections of the
// addressed user. A user without local connections is not subscribed, so an
// empty delivery only happens in the window of a disconnect; it is dropped.
func (c *Coordinator) onUserEvent(_ context.Context, channel string, payload []byte) {
	ev, ok := c.decode(channel, payload)
	if !ok {
		return
	}
	env, ok := relay.Unwrap(ev)
	if !ok || !c.firstDelivery(ev.ID) {
		return
	}
	frame := protocol.Outbound{
		Type:         env.Type,
		RoomID:       env.RoomID,
		From:         env.From,
		ConnectionID: env.FromConn,
		Payload:      env.Payload,
		Timestamp:    env.Timestamp,
	}
	data, err := frame.Encode()
	if err != nil {
		return
	}

	delivered := 0
	for _, s := range c.userSessions(env.To) {
		if s.send(data) {
			delivered++
		}
	}
	if delivered == 0 {
		c.log.Debug("dropping direct message, target not connected",
			zap.String("to", env.To),
			zap.String("type", string(env.Type)),
		)
	}
}

// onProcessEvent tracks peer heartbeats.
func (c *Coordinator) onProcessEvent(_ context.Context, channel string, payload []byte) {
	c.decode(channel, payload)
}

// resync asks peers to announce their members of every attached room. It runs
// when a peer that was declared dead shows up again, since its memberships
// were evicted in the meantime.
func (c *Coordinator) resync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		for _, roomID := range c.attachedRooms() {
			req := event.New(event.KindSyncRequest, c.processID)
			req.RoomID = roomID
			if err := c.publishRoom(ctx, req); err != nil {
				c.log.Warn("sync request failed", zap.String("room", roomID), zap.Error(err))
			}
		}
	}()
}

// stateUpdates splits a full state into its client-owned and server-owned
// parts, which carry different clocks.
func stateUpdates(st presence.State) (client, online presence.Update) {
	typing, on := st.Typing, st.Online
	client = presence.Update{
		Cursor:    st.Cursor,
		Selection: st.Selection,
		Typing:    &typing,
	}
	online = presence.Update{Online: &on}
	return client, online
}
