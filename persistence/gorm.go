package persistence

import (
	"errors"
	"fmt"

	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.Room{}, &types.Member{}, &types.Entry{}, &types.DocumentSnapshot{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	err := p.db.First(room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrRoomNotFound
	}
	return err
}

func (p *GormPersist) GetRoomByCode(code string) (*types.Room, error) {
	room := types.Room{}
	err := p.db.Where("code = ?", code).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) DeleteRoom(room *types.Room) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.Member{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.Entry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.Id).Delete(&types.DocumentSnapshot{}).Error; err != nil {
			return err
		}
		return tx.Delete(room).Error
	})
}

func (p *GormPersist) StoreMember(member types.Member) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&member).Error
}

func (p *GormPersist) GetMembers(roomId string) ([]*types.Member, error) {
	members := make([]*types.Member, 0)
	err := p.db.Where("room_id = ?", roomId).Find(&members).Error
	return members, err
}

func (p *GormPersist) DeleteMember(member *types.Member) error {
	return p.db.Delete(member).Error
}

func (p *GormPersist) AppendEntries(roomId string, entries []types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	// redelivered (room, seq) pairs are a no-op
	return p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entries).Error
}

func (p *GormPersist) EntriesSince(roomId string, seq uint64, maxCount int) ([]types.Entry, error) {
	entries := make([]types.Entry, 0)
	err := p.db.Where("room_id = ? AND seq > ?", roomId, seq).Order("seq ASC").Limit(maxCount).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *GormPersist) StoreSnapshot(snap types.DocumentSnapshot) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&snap).Error
}

func (p *GormPersist) GetSnapshot(roomId string) (*types.DocumentSnapshot, error) {
	snap := types.DocumentSnapshot{RoomId: roomId}
	err := p.db.First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *GormPersist) Close() error {
	return nil
}
