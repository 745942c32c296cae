package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"gorm.io/datatypes"
)

// Entry kinds. Every sequenced item in a room's history is one of these.
const (
	EntryKindChat   = "chat"
	EntryKindSystem = "system"
	EntryKindOp     = "op"
)

// System event names carried in the Data payload of system entries.
const (
	SystemEventJoined = "joined"
	SystemEventLeft   = "left"
)

// Entry is one room-sequenced history item. Seq is monotonic per room and
// assigned only by the room's owning sequencer; an Entry is immutable once
// its Seq is assigned. Revision is only set for document operation entries.
type Entry struct {
	Id        string         `json:"id" gorm:"primaryKey"`
	RoomId    string         `json:"room_id" gorm:"index:idx_entries_room_seq,unique,priority:1"`
	Seq       uint64         `json:"seq" gorm:"index:idx_entries_room_seq,unique,priority:2"`
	Kind      string         `json:"kind"`
	UserId    string         `json:"user_id"`
	Revision  uint64         `json:"revision,omitempty" hash:"ignore"`
	Timestamp time.Time      `json:"timestamp" hash:"ignore"`
	Data      datatypes.JSON `json:"data,omitempty"`
}

// CreateId derives a stable content hash for the entry. Together with the
// (room, seq) key it lets redeliveries be detected across instances.
func (e *Entry) CreateId() error {
	h, err := hashstructure.Hash(e, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	e.Id = fmt.Sprintf("%016x", h)
	return nil
}

// SystemPayload is the Data payload of a system entry.
type SystemPayload struct {
	Event  string `json:"event" mapstructure:"event"`
	UserId string `json:"user_id" mapstructure:"user_id"`
}

// ChatPayload is the Data payload of a chat entry and of incoming chat frames.
type ChatPayload struct {
	Text string `json:"text" mapstructure:"text"`
}

// DocumentSnapshot is the durable form of a room's canonical document. The
// live snapshot is owned by the OT engine; this record only exists so a new
// owner can rebuild its working state after failover.
type DocumentSnapshot struct {
	RoomId   string    `json:"room_id" gorm:"primaryKey"`
	Content  string    `json:"content"`
	Revision uint64    `json:"revision"`
	Seq      uint64    `json:"seq"`
	SavedAt  time.Time `json:"saved_at"`
}
