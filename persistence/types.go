package persistence

import (
	"fmt"

	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/types"
)

// Persister is the durable room/membership store plus the log sink target.
// It is the source of truth that the in-memory room state mirrors; the live
// message path never waits on it.
type Persister interface {
	StoreRoom(types.Room) error
	GetRoom(*types.Room) error
	GetRoomByCode(code string) (*types.Room, error)
	GetRooms() ([]*types.Room, error)
	// DeleteRoom cascades membership, log entries and the snapshot.
	DeleteRoom(*types.Room) error

	StoreMember(types.Member) error
	GetMembers(roomId string) ([]*types.Member, error)
	DeleteMember(*types.Member) error

	AppendEntries(roomId string, entries []types.Entry) error
	// EntriesSince returns up to maxCount entries with Seq > seq in ascending
	// sequence order.
	EntriesSince(roomId string, seq uint64, maxCount int) ([]types.Entry, error)

	StoreSnapshot(types.DocumentSnapshot) error
	GetSnapshot(roomId string) (*types.DocumentSnapshot, error)

	Close() error
}

// NewPersister creates the Persister selected by the configuration.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "postgres", "sqlite":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
}
