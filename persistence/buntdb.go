package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/types"
	"github.com/tidwall/buntdb"
)

// BuntDBPersist is a single-file (or in-memory, DSN ":memory:") store. It is
// mainly useful for single-instance deployments and tests.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil // no configuration, ignore the persister
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func roomKey(id string) string               { return "room:" + id }
func roomCodeKey(code string) string         { return "roomcode:" + code }
func memberKey(roomId, userId string) string { return "member:" + roomId + ":" + userId }
func snapshotKey(roomId string) string       { return "snapshot:" + roomId }

// entryKey zero-pads the sequence number so that the lexicographic key order
// equals the numeric sequence order.
func entryKey(roomId string, seq uint64) string {
	return fmt.Sprintf("entry:%s:%020d", roomId, seq)
}

func (p *BuntDBPersist) StoreRoom(room types.Room) error {
	r, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(roomKey(room.Id), string(r), nil); err != nil {
			return err
		}
		_, _, err := tx.Set(roomCodeKey(room.Code), room.Id, nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoom(room *types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("no room id")
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		r, err := tx.Get(roomKey(room.Id))
		if err == buntdb.ErrNotFound {
			return types.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(r), room)
	})
}

func (p *BuntDBPersist) GetRoomByCode(code string) (*types.Room, error) {
	room := types.Room{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(roomCodeKey(code))
		if err == buntdb.ErrNotFound {
			return types.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		r, err := tx.Get(roomKey(id))
		if err == buntdb.ErrNotFound {
			return types.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(r), &room)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (p *BuntDBPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		err := tx.AscendKeys("room:*", func(key, value string) bool {
			room := types.Room{}
			if innerErr = json.Unmarshal([]byte(value), &room); innerErr != nil {
				return false
			}
			rooms = append(rooms, &room)
			return true
		})
		if innerErr != nil {
			return innerErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *BuntDBPersist) DeleteRoom(room *types.Room) error {
	if err := p.GetRoom(room); err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		// collect first, buntdb does not allow deletes during iteration
		stale := make([]string, 0)
		for _, pattern := range []string{
			"member:" + room.Id + ":*",
			"entry:" + room.Id + ":*",
		} {
			err := tx.AscendKeys(pattern, func(key, value string) bool {
				stale = append(stale, key)
				return true
			})
			if err != nil {
				return err
			}
		}
		stale = append(stale, snapshotKey(room.Id), roomCodeKey(room.Code), roomKey(room.Id))
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) StoreMember(member types.Member) error {
	m, err := json.Marshal(member)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(memberKey(member.RoomId, member.UserId), string(m), nil)
		return err
	})
}

func (p *BuntDBPersist) GetMembers(roomId string) ([]*types.Member, error) {
	members := make([]*types.Member, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		err := tx.AscendKeys("member:"+roomId+":*", func(key, value string) bool {
			member := types.Member{}
			if innerErr = json.Unmarshal([]byte(value), &member); innerErr != nil {
				return false
			}
			members = append(members, &member)
			return true
		})
		if innerErr != nil {
			return innerErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (p *BuntDBPersist) DeleteMember(member *types.Member) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(memberKey(member.RoomId, member.UserId))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) AppendEntries(roomId string, entries []types.Entry) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		for _, entry := range entries {
			key := entryKey(roomId, entry.Seq)
			if _, err := tx.Get(key); err == nil {
				continue // redelivered (room, seq), no-op
			}
			e, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(key, string(e), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) EntriesSince(roomId string, seq uint64, maxCount int) ([]types.Entry, error) {
	entries := make([]types.Entry, 0)
	prefix := "entry:" + roomId + ":"
	pivot := entryKey(roomId, seq+1)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var innerErr error
		err := tx.AscendGreaterOrEqual("", pivot, func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			if maxCount > 0 && len(entries) >= maxCount {
				return false
			}
			entry := types.Entry{}
			if innerErr = json.Unmarshal([]byte(value), &entry); innerErr != nil {
				return false
			}
			entries = append(entries, entry)
			return true
		})
		if innerErr != nil {
			return innerErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *BuntDBPersist) StoreSnapshot(snap types.DocumentSnapshot) error {
	s, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(snapshotKey(snap.RoomId), string(s), nil)
		return err
	})
}

func (p *BuntDBPersist) GetSnapshot(roomId string) (*types.DocumentSnapshot, error) {
	snap := types.DocumentSnapshot{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(snapshotKey(roomId))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(s), &snap)
	})
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
