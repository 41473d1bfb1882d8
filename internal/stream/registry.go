package stream

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	ErrAlreadyConnected = errors.New("client already connected")
	ErrNotConnected     = errors.New("client not connected")
	ErrInvalidClientID  = errors.New("invalid client id")
	ErrDeliveryFailure  = errors.New("delivery failed")
)

// Sender is the write side of a client connection. Send must not block on
// the network; a slow or dead peer is reported as an error.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// ConnectionInfo describes one connected client.
type ConnectionInfo struct {
	ClientID      string    `json:"client_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
}

type connection struct {
	id          string
	connectedAt time.Time
	subs        map[string]struct{}
	sender      Sender
}

func (c *connection) info() ConnectionInfo {
	subs := make([]string, 0, len(c.subs))
	for r := range c.subs {
		subs = append(subs, r)
	}
	sort.Strings(subs)
	return ConnectionInfo{ClientID: c.id, ConnectedAt: c.connectedAt, Subscriptions: subs}
}

type target struct {
	id     string
	sender Sender
}

// Registry maps client IDs to live connections.
type Registry struct {
	mu           sync.Mutex
	conns        map[string]*connection
	onDisconnect []func(clientID string)
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connection),
		now:   time.Now,
	}
}

// OnDisconnect registers fn to run after a client is removed. It is called
// without the registry lock held.
func (r *Registry) OnDisconnect(fn func(clientID string)) {
	r.mu.Lock()
	r.onDisconnect = append(r.onDisconnect, fn)
	r.mu.Unlock()
}

// Connect records a new client.
func (r *Registry) Connect(clientID string, s Sender) (ConnectionInfo, error) {
	if clientID == "" || s == nil {
		return ConnectionInfo{}, ErrInvalidClientID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[clientID]; ok {
		return ConnectionInfo{}, ErrAlreadyConnected
	}
	c := &connection{
		id:          clientID,
		connectedAt: r.now(),
		subs:        make(map[string]struct{}),
		sender:      s,
	}
	r.conns[clientID] = c
	log.Infow("client connected", "client", clientID, "total", len(r.conns))
	return c.info(), nil
}

// Disconnect removes a client, closes its sender and evicts it from every
// room. Unknown IDs are ignored.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	c, ok := r.conns[clientID]
	if ok {
		delete(r.conns, clientID)
	}
	hooks := slices.Clone(r.onDisconnect)
	remaining := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := c.sender.Close(); err != nil {
		log.Debugf("close %s: %v", clientID, err)
	}
	for _, fn := range hooks {
		fn(clientID)
	}
	log.Infow("client disconnected", "client", clientID, "remaining", remaining)
}

// Get returns a copy of a client's record.
func (r *Registry) Get(clientID string) (ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[clientID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns the connected client IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Oldest returns the connect time of the longest-connected client.
func (r *Registry) Oldest() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest time.Time
	for _, c := range r.conns {
		if oldest.IsZero() || c.connectedAt.Before(oldest) {
			oldest = c.connectedAt
		}
	}
	return oldest, !oldest.IsZero()
}

func (r *Registry) sender(clientID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[clientID]
	if !ok {
		return nil, false
	}
	return c.sender, true
}

// targets snapshots the senders for ids, or for every client if ids is nil.
// IDs that are no longer connected are skipped.
func (r *Registry) targets(ids []string) []target {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ids == nil {
		out := make([]target, 0, len(r.conns))
		for id, c := range r.conns {
			out = append(out, target{id, c.sender})
		}
		return out
	}
	out := make([]target, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, target{id, c.sender})
		}
	}
	return out
}

func (r *Registry) subscribe(clientID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[clientID]
	if ok {
		c.subs[room] = struct{}{}
	}
	return ok
}

func (r *Registry) subscribed(clientID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[clientID]
	if !ok {
		return false
	}
	_, ok = c.subs[room]
	return ok
}

func (r *Registry) unsubscribe(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[clientID]; ok {
		delete(c.subs, room)
	}
}
