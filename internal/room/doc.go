// Package room implements the room registry: the per-room membership table of
// the coordinator.
//
// # Membership model
//
// A membership is the tuple (room, user, connection, process). A user with two
// browser tabs holds two memberships in the same room; a connection holds at
// most one membership per room, so joining twice on the same connection is a
// no-op. Each process keeps memberships for its own connections and mirrors
// the memberships of peer processes from bus events, which is what lets
// Members report the process that holds every connection.
//
// # Locking
//
//	┌──────────────────────────────┐
//	│ Registry.mu (RWMutex)        │  room table: lookup / create / delete
//	├──────────────────────────────┤
//	│ roomEntry.mu (Mutex) per room│  member list of a single room
//	└──────────────────────────────┘
//
// The two locks are never held together. A room entry that lost its last
// member is marked closed before it is removed from the table; a Join that
// raced with the removal sees the closed flag and retries on a fresh entry.
//
// # Lifecycle
//
// Rooms are created lazily by the first Join and deleted when the last member
// leaves. Listeners registered with OnEmpty (the presence tracker) are told so
// they can discard per-room caches.
package room
