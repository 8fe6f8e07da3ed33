// Package room tracks which connections are inside which consultation room.
//
// The registry is the only shared mutable state in the server. Every public
// operation runs in a single critical section, so the "a room exists iff it
// has at least one participant" invariant holds after any interleaving of
// joins and leaves from concurrent connection handlers.
package room

import (
	"sort"
	"sync"
)

// Participant is one live connection bound to a room. Identity fields are
// client-declared at join time and are not verified against the booking
// backend.
type Participant struct {
	SocketID string
	UserID   string
	UserName string
	UserRole string
}

type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]Participant
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Participant)}
}

// Join inserts p into the room, creating the room on first join, and returns
// a snapshot of the other participants for the presence reply to the joiner.
// Rejoining with the same socket id overwrites the previous entry.
func (r *Registry) Join(roomID string, p Participant) (others []Participant, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Participant)
		r.rooms[roomID] = members
		created = true
	}

	others = othersLocked(members, p.SocketID)
	members[p.SocketID] = p
	return others, created
}

// Leave removes the participant and deletes the room once it is empty, in the
// same critical section. It is a safe no-op when the room or participant is
// already gone.
func (r *Registry) Leave(roomID, socketID string) (p Participant, removed bool, destroyed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, false, false
	}
	p, ok = members[socketID]
	if !ok {
		return Participant{}, false, false
	}

	delete(members, socketID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		destroyed = true
	}
	return p, true, destroyed
}

// Others returns all participants in the room except the given socket id.
func (r *Registry) Others(roomID, excludingSocketID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return othersLocked(r.rooms[roomID], excludingSocketID)
}

// Participants returns the room's full membership, reporting whether the room
// exists.
func (r *Registry) Participants(roomID string) ([]Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return othersLocked(members, ""), true
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// othersLocked snapshots members minus the excluded socket id, sorted by
// socket id so fan-out and test expectations are deterministic.
func othersLocked(members map[string]Participant, excluding string) []Participant {
	out := make([]Participant, 0, len(members))
	for id, p := range members {
		if id == excluding {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}
