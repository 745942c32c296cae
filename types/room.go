package types

import (
	"time"

	"gorm.io/datatypes"
)

// Member roles within a room.
const (
	RoleOwner     = "owner"
	RoleModerator = "moderator"
	RoleMember    = "member"
)

// Room is the durable metadata of one study room. The in-memory working state
// (log tail, document snapshot, sequence counter) lives with the owning
// instance's sequencer, never here. Deleted rooms are removed outright so
// their codes become available for reuse.
type Room struct {
	Id        string         `json:"id" gorm:"primaryKey"`
	Name      string         `json:"name"`
	Code      string         `json:"code" gorm:"uniqueIndex"`
	Capacity  int            `json:"capacity"`
	Features  datatypes.JSON `json:"features,omitempty"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
}

// Member is the durable membership record, unique per (room, user).
// Presence is tracked separately and is never persisted.
type Member struct {
	RoomId   string    `json:"room_id" gorm:"primaryKey"`
	UserId   string    `json:"user_id" gorm:"primaryKey"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// User is the verified identity attached to a connection. Identity
// verification itself is delegated to the auth package.
type User struct {
	Id         string    `json:"id"`
	Nick       string    `json:"nick"`
	LastOnline time.Time `json:"last_online"`
}
