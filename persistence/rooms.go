package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/studyhall/collab/types"
)

// CreateRoom stores a new room with a collision-checked room code. A code
// collision triggers regeneration, never reuse of an active code.
func CreateRoom(p Persister, name string, capacity int, ownerUserId string) (*types.Room, error) {
	code, err := types.NewRoomCode(func(code string) bool {
		_, err := p.GetRoomByCode(code)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	room := types.Room{
		Id:       newRoomId(name, code),
		Name:     name,
		Code:     code,
		Capacity: capacity,
	}
	if err := p.StoreRoom(room); err != nil {
		return nil, err
	}
	if ownerUserId != "" {
		member := types.Member{
			RoomId:   room.Id,
			UserId:   ownerUserId,
			Role:     types.RoleOwner,
			JoinedAt: time.Now().UTC(),
		}
		if err := p.StoreMember(member); err != nil {
			return nil, err
		}
	}
	return &room, nil
}

func newRoomId(name, code string) string {
	h, err := hashstructure.Hash(struct {
		Name string
		Code string
		Now  int64
	}{name, code, time.Now().UnixNano()}, hashstructure.FormatV2, nil)
	if err != nil {
		return code
	}
	return fmt.Sprintf("r%016x", h)
}

// ErrNoPersister is returned by operations that require a configured durable
// store.
var ErrNoPersister = errors.New("no persistence configured")
