// Package cache keeps the hot join/routing path off the durable store with a
// read-through LRU mirror of room and membership metadata. The durable store
// remains the source of truth; membership changes must invalidate.
package cache

import (
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/studyhall/collab/persistence"
	"github.com/studyhall/collab/types"
)

// RoomMetadata is the cached view of one room.
type RoomMetadata struct {
	Room    types.Room
	Members []*types.Member
}

type RoomCache struct {
	store  persistence.Persister
	lru    *lru.Cache[string, *RoomMetadata]
	codes  *lru.Cache[string, string] // room code -> room id
	logger hclog.Logger
}

func NewRoomCache(store persistence.Persister, size int, logger hclog.Logger) (*RoomCache, error) {
	l, err := lru.New[string, *RoomMetadata](size)
	if err != nil {
		return nil, err
	}
	codes, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &RoomCache{store: store, lru: l, codes: codes, logger: logger.Named("roomcache")}, nil
}

// Get returns the room metadata, reading through to the durable store on a
// miss. A missing room returns types.ErrRoomNotFound; negative results are
// not cached.
func (c *RoomCache) Get(roomId string) (*RoomMetadata, error) {
	if meta, ok := c.lru.Get(roomId); ok {
		return meta, nil
	}
	return c.load(roomId)
}

// GetByCode resolves a room code to the room metadata.
func (c *RoomCache) GetByCode(code string) (*RoomMetadata, error) {
	if id, ok := c.codes.Get(code); ok {
		return c.Get(id)
	}
	if c.store == nil {
		return nil, types.ErrRoomNotFound
	}
	room, err := c.store.GetRoomByCode(code)
	if err != nil {
		return nil, err
	}
	c.codes.Add(code, room.Id)
	return c.Get(room.Id)
}

func (c *RoomCache) load(roomId string) (*RoomMetadata, error) {
	if c.store == nil {
		return nil, types.ErrRoomNotFound
	}
	room := types.Room{Id: roomId}
	if err := c.store.GetRoom(&room); err != nil {
		return nil, err
	}
	members, err := c.store.GetMembers(roomId)
	if err != nil {
		return nil, err
	}
	meta := &RoomMetadata{Room: room, Members: members}
	c.lru.Add(roomId, meta)
	c.codes.Add(room.Code, room.Id)
	return meta, nil
}

// Invalidate drops the cached metadata after a membership or settings change.
func (c *RoomCache) Invalidate(roomId string) {
	if meta, ok := c.lru.Get(roomId); ok {
		c.codes.Remove(meta.Room.Code)
	}
	c.lru.Remove(roomId)
	c.logger.Debug("invalidated room metadata", "room_id", roomId)
}

// IsMember reports whether the user belongs to the room.
func (m *RoomMetadata) IsMember(userId string) bool {
	for _, member := range m.Members {
		if member.UserId == userId {
			return true
		}
	}
	return false
}
