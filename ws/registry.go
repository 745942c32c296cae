package ws

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Registry tracks the live websocket connections of this instance, indexed
// by room and user. A user may hold several concurrent connections (multiple
// tabs); each is registered under its own connection id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connection id
	rooms   map[string]map[string]*Client // room id -> connection id

	logger hclog.Logger
}

func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger.Named("registry"),
	}
}

// Register adds a connection. Registering an id twice is idempotent; the
// existing client stays and the duplicate is reported back to the caller for
// closing.
func (r *Registry) Register(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; ok {
		r.logger.Warn("duplicate connection id", "connection_id", c.id)
		return false
	}
	r.clients[c.id] = c
	room, ok := r.rooms[c.roomId]
	if !ok {
		room = make(map[string]*Client)
		r.rooms[c.roomId] = room
	}
	room[c.id] = c
	return true
}

// Deregister removes a connection. Removing an unknown id is a no-op.
func (r *Registry) Deregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; !ok {
		return
	}
	delete(r.clients, c.id)
	if room, ok := r.rooms[c.roomId]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(r.rooms, c.roomId)
		}
	}
}

// RoomConnections returns the connections currently in the room. The slice
// is a copy; delivery happens outside the registry lock.
func (r *Registry) RoomConnections(roomId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[roomId]
	clients := make([]*Client, 0, len(room))
	for _, c := range room {
		clients = append(clients, c)
	}
	return clients
}

// ConnectionsFor returns the connections of one user in the room.
func (r *Registry) ConnectionsFor(roomId, userId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var clients []*Client
	for _, c := range r.rooms[roomId] {
		if c.userId == userId {
			clients = append(clients, c)
		}
	}
	return clients
}

// UserCount returns the number of distinct users connected to the room on
// this instance.
func (r *Registry) UserCount(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make(map[string]struct{})
	for _, c := range r.rooms[roomId] {
		users[c.userId] = struct{}{}
	}
	return len(users)
}

// HasUser reports whether the user still has at least one connection to the
// room on this instance.
func (r *Registry) HasUser(roomId, userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rooms[roomId] {
		if c.userId == userId {
			return true
		}
	}
	return false
}
