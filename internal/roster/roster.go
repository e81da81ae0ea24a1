// Package roster tracks which connections are currently members of which
// room. It is process-local and rebuilt empty on restart; live membership
// here is the ground truth for presence counts, with the database counter
// trailing as a best-effort mirror.
package roster

import (
	"sync"
)

type Roster struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func New() *Roster {
	return &Roster{
		rooms: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to the room's member set, creating the set if needed.
// Returns false if the connection was already a member, making repeat joins
// a no-op for the caller's counter and presence bookkeeping.
func (r *Roster) Join(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}
	return true
}

// Leave removes connID from the room's member set and drops the room entry
// once empty. Returns false if the connection was not a member.
func (r *Roster) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, connID)
}

func (r *Roster) leaveLocked(roomID, connID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// Size returns the room's current member count, 0 for unknown rooms.
func (r *Roster) Size(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// RemoveEverywhere removes connID from every room it belongs to and returns
// the affected room ids. Used on abrupt disconnect so the caller can
// broadcast presence and decrement counters once per room.
func (r *Roster) RemoveEverywhere(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []string
	for roomID, members := range r.rooms {
		if _, ok := members[connID]; ok {
			r.leaveLocked(roomID, connID)
			affected = append(affected, roomID)
		}
	}
	return affected
}

// Counts returns a snapshot of member counts per active room.
func (r *Roster) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		counts[roomID] = len(members)
	}
	return counts
}
