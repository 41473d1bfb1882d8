package stream

import (
	"slices"
	"sort"
	"time"
)

// Stats summarizes the broadcast layer.
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveRooms        []string       `json:"active_rooms"`
	RoomCounts         map[string]int `json:"room_counts"`
	MessageHistorySize int            `json:"message_history_size"`
	UptimeSeconds      float64        `json:"uptime_seconds"`
}

// Dispatcher delivers events to clients. Targets are snapshotted under the
// registry lock and sent to without it; every client whose send fails is
// disconnected after the fan-out completes.
type Dispatcher struct {
	reg     *Registry
	rooms   *Router
	history *History
	now     func() time.Time
}

// NewDispatcher wires a dispatcher to its registry, router and history.
func NewDispatcher(reg *Registry, rooms *Router, history *History) *Dispatcher {
	return &Dispatcher{reg: reg, rooms: rooms, history: history, now: time.Now}
}

// Registry returns the connection registry.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Rooms returns the room router.
func (d *Dispatcher) Rooms() *Router { return d.rooms }

// SendTo delivers ev to one client. A failed delivery disconnects the
// client. Unknown clients report false.
func (d *Dispatcher) SendTo(clientID string, ev Event) bool {
	s, ok := d.reg.sender(clientID)
	if !ok {
		log.Debugf("send %s to unknown client %s", ev.Type, clientID)
		return false
	}
	frame, err := ev.encode()
	if err != nil {
		log.Errorf("encode %s: %v", ev.Type, err)
		return false
	}
	if err := s.Send(frame); err != nil {
		log.Infof("send %s to %s: %v", ev.Type, clientID, err)
		d.reg.Disconnect(clientID)
		return false
	}
	return true
}

// Broadcast delivers ev to every connected client not in exclude and
// records it in history. It returns the number of successful deliveries.
func (d *Dispatcher) Broadcast(ev Event, exclude ...string) int {
	n := d.deliver(ev, d.reg.targets(nil), exclude)
	d.history.Append(ev)
	return n
}

// BroadcastToRoom delivers ev to the members of room not in exclude and
// records it in history. A client that fails is disconnected everywhere.
func (d *Dispatcher) BroadcastToRoom(room string, ev Event, exclude ...string) int {
	n := 0
	if members := d.rooms.Members(room); len(members) > 0 {
		n = d.deliver(ev, d.reg.targets(members), exclude)
	}
	d.history.Append(ev)
	return n
}

func (d *Dispatcher) deliver(ev Event, targets []target, exclude []string) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := ev.encode()
	if err != nil {
		log.Errorf("encode %s: %v", ev.Type, err)
		return 0
	}

	sent := 0
	var failed []string
	for _, t := range targets {
		if slices.Contains(exclude, t.id) {
			continue
		}
		if err := t.sender.Send(frame); err != nil {
			log.Infof("send %s to %s: %v", ev.Type, t.id, err)
			failed = append(failed, t.id)
			continue
		}
		sent++
	}
	for _, id := range failed {
		d.reg.Disconnect(id)
	}
	return sent
}

// RecentHistory returns up to n of the most recent broadcasts, oldest first.
func (d *Dispatcher) RecentHistory(n int) []Event {
	return d.history.Recent(n)
}

// Notify broadcasts a notification to every client.
func (d *Dispatcher) Notify(title, message, kind string) int {
	if kind == "" {
		kind = "info"
	}
	return d.Broadcast(mustEvent(TypeNotification, map[string]string{
		"title":   title,
		"message": message,
		"type":    kind,
	}))
}

// BroadcastError sends an error event to every client.
func (d *Dispatcher) BroadcastError(message, kind string) int {
	if kind == "" {
		kind = "general"
	}
	return d.Broadcast(mustEvent(TypeError, map[string]string{
		"message":    message,
		"error_type": kind,
	}))
}

// Stats reports connection, room and history counts.
func (d *Dispatcher) Stats() Stats {
	counts := d.rooms.Rooms()
	active := make([]string, 0, len(counts))
	for room := range counts {
		active = append(active, room)
	}
	sort.Strings(active)

	st := Stats{
		TotalConnections:   d.reg.Count(),
		ActiveRooms:        active,
		RoomCounts:         counts,
		MessageHistorySize: d.history.Len(),
	}
	if oldest, ok := d.reg.Oldest(); ok {
		st.UptimeSeconds = d.now().Sub(oldest).Seconds()
	}
	return st
}
