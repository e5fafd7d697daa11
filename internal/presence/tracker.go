// Package presence keeps per-room, per-user cursor, selection, typing and
// online state and computes the deltas broadcast to room peers.
package presence

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// ErrStaleUpdate is returned when an update carries a timestamp that is not
// newer than the one already applied for the same (room, user). Callers drop
// it silently.
var ErrStaleUpdate = errors.New("presence: stale update")

// Cursor is a caret position inside the shared document.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a range between an anchor and a head cursor.
type Selection struct {
	Anchor Cursor `json:"anchor"`
	Head   Cursor `json:"head"`
}

// Update is a partial presence change submitted by the owning user. Nil fields
// are left untouched.
type Update struct {
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	Typing    *bool      `json:"typing,omitempty"`
	Online    *bool      `json:"online,omitempty"`
}

// Empty reports whether the update carries no field.
func (u Update) Empty() bool {
	return !u.clientOwned() && u.Online == nil
}

func (u Update) clientOwned() bool {
	return u.Cursor != nil || u.Selection != nil || u.Typing != nil
}

// State is the full presence of one user in one room. Cursor, selection and
// typing are ordered by the client's timestamps (UpdatedAt); online is owned
// by the server and ordered by OnlineAt. The two clocks are never compared.
type State struct {
	UserID    string     `json:"userId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	Typing    bool       `json:"typing"`
	Online    bool       `json:"online"`
	UpdatedAt int64      `json:"updatedAt"`
	OnlineAt  int64      `json:"onlineAt"`
}

// Delta lists only the fields an applied update actually changed.
type Delta struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Update
}

// Tracker holds presence for every room known to the process. The room table
// is guarded by one RWMutex and each room by its own mutex, so a busy room
// never blocks updates to unrelated rooms.
type Tracker struct {
	log   *zap.Logger
	rooms map[string]*roomPresence
	mu    sync.RWMutex
}

type roomPresence struct {
	users   map[string]*State
	mu      sync.Mutex
	dropped bool
}

// NewTracker returns an empty tracker.
func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		log:   log.Named("presence"),
		rooms: make(map[string]*roomPresence),
	}
}

func (t *Tracker) room(roomID string, create bool) *roomPresence {
	t.mu.RLock()
	rp := t.rooms[roomID]
	t.mu.RUnlock()
	if rp != nil || !create {
		return rp
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rp = t.rooms[roomID]; rp == nil {
		rp = &roomPresence{users: make(map[string]*State)}
		t.rooms[roomID] = rp
	}
	return rp
}

// Update applies u for (roomID, userID). Client-owned fields apply only if ts
// is newer than UpdatedAt and Online only if ts is newer than OnlineAt, so an
// update carries one clock: the client's or the server's. ErrStaleUpdate is
// returned when nothing was fresh. The returned delta holds only changed
// fields; it may be empty when the update restated current values.
func (t *Tracker) Update(roomID, userID string, u Update, ts int64) (Delta, error) {
	for {
		rp := t.room(roomID, true)
		rp.mu.Lock()
		if rp.dropped {
			// Lost a race with Drop; retry against the fresh room entry.
			rp.mu.Unlock()
			continue
		}
		delta, err := rp.apply(userID, u, ts)
		rp.mu.Unlock()
		if err == nil {
			delta.RoomID = roomID
		}
		return delta, err
	}
}

func (rp *roomPresence) apply(userID string, u Update, ts int64) (Delta, error) {
	st, ok := rp.users[userID]
	if !ok {
		st = &State{UserID: userID}
	}
	client := u.clientOwned() && ts > st.UpdatedAt
	online := u.Online != nil && ts > st.OnlineAt
	if !client && !online {
		return Delta{}, ErrStaleUpdate
	}
	rp.users[userID] = st

	d := Delta{UserID: userID, Timestamp: ts}
	if client {
		st.UpdatedAt = ts
		if u.Cursor != nil && (st.Cursor == nil || *st.Cursor != *u.Cursor) {
			c := *u.Cursor
			st.Cursor = &c
			d.Cursor = &c
		}
		if u.Selection != nil && (st.Selection == nil || *st.Selection != *u.Selection) {
			s := *u.Selection
			st.Selection = &s
			d.Selection = &s
		}
		if u.Typing != nil && st.Typing != *u.Typing {
			st.Typing = *u.Typing
			d.Typing = boolPtr(st.Typing)
		}
	}
	if online {
		st.OnlineAt = ts
		if st.Online != *u.Online {
			st.Online = *u.Online
			d.Online = boolPtr(st.Online)
			if !st.Online && st.Typing {
				st.Typing = false
				d.Typing = boolPtr(false)
			}
		}
	}
	return d, nil
}

// Snapshot returns the state of every online user in the room ordered by user
// id. It is sent to late joiners.
func (t *Tracker) Snapshot(roomID string) []State {
	rp := t.room(roomID, false)
	if rp == nil {
		return []State{}
	}
	rp.mu.Lock()
	out := make([]State, 0, len(rp.users))
	for _, st := range rp.users {
		if st.Online {
			out = append(out, st.clone())
		}
	}
	rp.mu.Unlock()

	slices.SortFunc(out, func(a, b State) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// Get returns the stored state for one user, including offline tombstones.
func (t *Tracker) Get(roomID, userID string) (State, bool) {
	rp := t.room(roomID, false)
	if rp == nil {
		return State{}, false
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	st, ok := rp.users[userID]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

// Drop discards all presence for the room. It is wired as the room registry's
// empty-room listener.
func (t *Tracker) Drop(roomID string) {
	t.mu.Lock()
	rp := t.rooms[roomID]
	delete(t.rooms, roomID)
	t.mu.Unlock()
	if rp == nil {
		return
	}
	rp.mu.Lock()
	rp.dropped = true
	rp.mu.Unlock()
	t.log.Debug("dropped room presence", zap.String("room", roomID))
}

// RoomCount reports how many rooms currently hold presence.
func (t *Tracker) RoomCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

func (s *State) clone() State {
	out := *s
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	if s.Selection != nil {
		sel := *s.Selection
		out.Selection = &sel
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
