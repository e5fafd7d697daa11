// Package room tracks room membership across the deployment.
// See doc.go for the locking model.
package room

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Member is one membership: a single connection of a user inside a room, held
// by a specific coordinator process.
type Member struct {
	JoinedAt  time.Time `json:"joinedAt"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	ConnID    string    `json:"connectionId"`
	ProcessID string    `json:"processId"`
}

// FullError is returned by Join when the room is at its member ceiling. The
// caller may retry later; the registry never retries on its own.
type FullError struct {
	RoomID string
	Limit  int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("room %s is full (%d members)", e.RoomID, e.Limit)
}

// Stats summarises one room for the health endpoint.
type Stats struct {
	RoomID    string         `json:"roomId"`
	Members   int            `json:"members"`
	ByProcess map[string]int `json:"byProcess"`
}

// Registry holds the membership of every room the process knows about, both
// local connections and those mirrored from peer processes.
type Registry struct {
	log        *zap.Logger
	rooms      map[string]*roomEntry
	onEmpty    []func(roomID string)
	mu         sync.RWMutex // guards rooms and onEmpty
	maxMembers int
}

// roomEntry keeps members in join order. Rooms are small (bounded by the
// member ceiling) so linear scans are fine.
type roomEntry struct {
	members []Member
	mu      sync.Mutex
	closed  bool
}

// NewRegistry returns a registry enforcing maxMembers per room; zero disables
// the ceiling.
func NewRegistry(maxMembers int, log *zap.Logger) *Registry {
	return &Registry{
		log:        log.Named("registry"),
		rooms:      make(map[string]*roomEntry),
		maxMembers: maxMembers,
	}
}

// OnEmpty registers a listener called, outside any registry lock, each time a
// room loses its last member.
func (r *Registry) OnEmpty(fn func(roomID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEmpty = append(r.onEmpty, fn)
}

func (r *Registry) entry(roomID string, create bool) *roomEntry {
	r.mu.RLock()
	e := r.rooms[roomID]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.rooms[roomID]; e == nil {
		e = &roomEntry{}
		r.rooms[roomID] = e
		r.log.Debug("room created", zap.String("room", roomID))
	}
	return e
}

// Join adds a membership and returns the room's members after the call.
// Joining again on the same connection is a no-op that returns the current
// membership with added == false.
func (r *Registry) Join(roomID, userID, connID, processID string) (members []Member, added bool, err error) {
	for {
		e := r.entry(roomID, true)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}

		if e.index(connID) >= 0 {
			members = e.snapshot()
			e.mu.Unlock()
			return members, false, nil
		}
		if r.maxMembers > 0 && len(e.members) >= r.maxMembers {
			e.mu.Unlock()
			return nil, false, &FullError{RoomID: roomID, Limit: r.maxMembers}
		}

		e.members = append(e.members, Member{
			JoinedAt:  time.Now(),
			RoomID:    roomID,
			UserID:    userID,
			ConnID:    connID,
			ProcessID: processID,
		})
		members = e.snapshot()
		e.mu.Unlock()

		r.log.Debug("member joined",
			zap.String("room", roomID),
			zap.String("user", userID),
			zap.String("conn", connID),
			zap.String("process", processID),
		)
		return members, true, nil
	}
}

// Add records a membership already accepted by another process. The ceiling
// is not applied: the owning process enforced it. added is false when the
// connection was already known.
func (r *Registry) Add(m Member) (added bool) {
	for {
		e := r.entry(m.RoomID, true)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		if e.index(m.ConnID) >= 0 {
			e.mu.Unlock()
			return false
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = time.Now()
		}
		e.members = append(e.members, m)
		e.mu.Unlock()
		return true
	}
}

// Leave removes exactly one membership. ok is false when the connection was
// not a member, which makes repeated leaves harmless.
func (r *Registry) Leave(roomID, userID, connID string) (m Member, ok bool) {
	e := r.entry(roomID, false)
	if e == nil {
		return Member{}, false
	}

	e.mu.Lock()
	i := e.index(connID)
	if i < 0 || e.members[i].UserID != userID {
		e.mu.Unlock()
		return Member{}, false
	}
	m = e.members[i]
	e.members = slices.Delete(e.members, i, i+1)
	empty := len(e.members) == 0
	if empty {
		e.closed = true
	}
	e.mu.Unlock()

	r.log.Debug("member left",
		zap.String("room", roomID),
		zap.String("user", userID),
		zap.String("conn", connID),
	)
	if empty {
		r.drop(roomID, e)
	}
	return m, true
}

// RemoveProcess evicts every membership held by processID and returns them.
func (r *Registry) RemoveProcess(processID string) []Member {
	r.mu.RLock()
	entries := make(map[string]*roomEntry, len(r.rooms))
	for id, e := range r.rooms {
		entries[id] = e
	}
	r.mu.RUnlock()

	var removed []Member
	for roomID, e := range entries {
		e.mu.Lock()
		kept := e.members[:0]
		for _, m := range e.members {
			if m.ProcessID == processID {
				removed = append(removed, m)
				continue
			}
			kept = append(kept, m)
		}
		e.members = kept
		empty := len(kept) == 0 && !e.closed
		if empty {
			e.closed = true
		}
		e.mu.Unlock()
		if empty {
			r.drop(roomID, e)
		}
	}
	return removed
}

func (r *Registry) drop(roomID string, e *roomEntry) {
	r.mu.Lock()
	if r.rooms[roomID] == e {
		delete(r.rooms, roomID)
	}
	listeners := append([]func(string){}, r.onEmpty...)
	r.mu.Unlock()

	r.log.Debug("room empty", zap.String("room", roomID))
	for _, fn := range listeners {
		fn(roomID)
	}
}

// Members returns the room's memberships in join order.
func (r *Registry) Members(roomID string) []Member {
	e := r.entry(roomID, false)
	if e == nil {
		return []Member{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// IsMember reports whether connID currently holds a membership in the room.
func (r *Registry) IsMember(roomID, connID string) bool {
	e := r.entry(roomID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index(connID) >= 0
}

// UserConnections counts the user's memberships in the room across processes.
func (r *Registry) UserConnections(roomID, userID string) int {
	e := r.entry(roomID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.members {
		if m.UserID == userID {
			n++
		}
	}
	return n
}

// Rooms returns per-room statistics ordered by room id.
func (r *Registry) Rooms() []Stats {
	r.mu.RLock()
	entries := make(map[string]*roomEntry, len(r.rooms))
	for id, e := range r.rooms {
		entries[id] = e
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		st := Stats{RoomID: id, Members: len(e.members), ByProcess: make(map[string]int)}
		for _, m := range e.members {
			st.ByProcess[m.ProcessID]++
		}
		e.mu.Unlock()
		if st.Members > 0 {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b Stats) int {
		switch {
		case a.RoomID < b.RoomID:
			return -1
		case a.RoomID > b.RoomID:
			return 1
		}
		return 0
	})
	return out
}

func (e *roomEntry) index(connID string) int {
	return slices.IndexFunc(e.members, func(m Member) bool { return m.ConnID == connID })
}

func (e *roomEntry) snapshot() []Member {
	return append([]Member(nil), e.members...)
}
