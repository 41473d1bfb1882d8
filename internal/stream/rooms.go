package stream

import (
	"fmt"
	"sort"
	"sync"
)

// Router groups connected clients into named rooms. A client's memberships
// are dropped when the registry disconnects it.
//
// Lock order is router then registry.
type Router struct {
	reg *Registry

	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

// NewRouter creates a router bound to reg.
func NewRouter(reg *Registry) *Router {
	rt := &Router{
		reg:   reg,
		rooms: make(map[string]map[string]struct{}),
	}
	reg.OnDisconnect(rt.evict)
	return rt
}

// Join adds a connected client to room, creating the room if needed.
func (rt *Router) Join(clientID, room string) error {
	if room == "" {
		return fmt.Errorf("empty room name")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.reg.subscribe(clientID, room) {
		return fmt.Errorf("join %s: %w: %s", room, ErrNotConnected, clientID)
	}
	members, ok := rt.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		rt.rooms[room] = members
	}
	members[clientID] = struct{}{}
	log.Debugf("%s joined %s", clientID, room)
	return nil
}

// Leave removes a client from room. Empty rooms are deleted.
func (rt *Router) Leave(clientID, room string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeLocked(clientID, room)
	rt.reg.unsubscribe(clientID, room)
}

func (rt *Router) removeLocked(clientID, room string) {
	members, ok := rt.rooms[room]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(rt.rooms, room)
	}
}

// evict drops clientID from every room its current registry record does
// not list. A client that reconnected under the same ID before the hook ran
// keeps the rooms it has joined since.
func (rt *Router) evict(clientID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for room, members := range rt.rooms {
		if _, ok := members[clientID]; !ok {
			continue
		}
		if !rt.reg.subscribed(clientID, room) {
			rt.removeLocked(clientID, room)
		}
	}
}

// Members returns the sorted member IDs of room; empty for unknown rooms.
func (rt *Router) Members(room string) []string {
	rt.mu.Lock()
	members := rt.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	rt.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of members in room.
func (rt *Router) Count(room string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.rooms[room])
}

// Rooms returns the member count of every non-empty room.
func (rt *Router) Rooms() map[string]int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]int, len(rt.rooms))
	for room, members := range rt.rooms {
		out[room] = len(members)
	}
	return out
}
