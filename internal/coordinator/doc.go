// Package coordinator binds authenticated connections to rooms and keeps
// every process sharing a room consistent.
//
// A Coordinator owns the local sessions of one process. It subscribes to the
// bus channel of each room with at least one local member and to the user
// channel of each user with at least one local connection. Changes made by a
// local session (membership, presence, room broadcasts) are applied and fanned
// out locally first, then published; every other process applies them on
// receipt. Document operations are the exception: they are always delivered
// through the bus so that every process, the submitting one included, releases
// them in the single order assigned by the sequencer.
//
// Processes announce themselves with heartbeats on the process channel. A
// ProcessMonitor evicts the memberships of a process that went silent, so
// that its users appear offline to the rest of the room.
package coordinator
