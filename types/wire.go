package types

import "encoding/json"

// Frame types of the transport envelope. The JSON-serialized Envelope is what
// is actually sent over the websocket connection and over the fanout bus.
const (
	FrameTypeJoin           = "join"
	FrameTypeJoined         = "joined"
	FrameTypeLeave          = "leave"
	FrameTypeHeartbeat      = "heartbeat"
	FrameTypeChat           = "chat"
	FrameTypeOp             = "op"
	FrameTypeAck            = "ack"
	FrameTypePresenceUpdate = "presence_update"
	FrameTypeCatchup        = "catchup"
	FrameTypeHistory        = "history"
	FrameTypeResync         = "resync"
	FrameTypeError          = "error"
)

// Envelope is the transport frame. For ack, joined, history, error and
// user-targeted resync frames, UserId names the recipient; for everything
// else it names the sender and the frame is delivered room-wide.
type Envelope struct {
	Type     string          `json:"type"`
	RoomId   string          `json:"room_id"`
	UserId   string          `json:"user_id,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Revision uint64          `json:"revision,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Targeted reports whether the envelope must only be delivered to the
// connections of Envelope.UserId instead of the whole room.
func (e *Envelope) Targeted() bool {
	switch e.Type {
	case FrameTypeAck, FrameTypeJoined, FrameTypeHistory, FrameTypeError:
		return true
	case FrameTypeResync:
		return e.UserId != ""
	}
	return false
}

// JoinPayload is sent by a client as the first frame after the transport
// handshake.
type JoinPayload struct {
	Token    string `json:"token" mapstructure:"token"`
	RoomCode string `json:"room_code" mapstructure:"room_code"`
}

// JoinedPayload answers a successful join with everything a client needs to
// render the room: canonical document state plus the retained history tail.
type JoinedPayload struct {
	Room     Room    `json:"room"`
	Content  string  `json:"content"`
	Revision uint64  `json:"revision"`
	Seq      uint64  `json:"seq"`
	History  []Entry `json:"history"`
}

// CatchupPayload requests all retained entries after Since.
type CatchupPayload struct {
	Since uint64 `json:"since" mapstructure:"since"`
}

// HistoryPayload answers a catchup request.
type HistoryPayload struct {
	Entries []Entry `json:"entries"`
}

// AckPayload acknowledges a client's in-flight document operation. Receiving
// it releases the client's next buffered operation.
type AckPayload struct {
	OpId     string `json:"op_id"`
	Seq      uint64 `json:"seq"`
	Revision uint64 `json:"revision"`
}

// ResyncPayload carries the authoritative document state. Clients receiving
// it must discard in-flight operations and rebase on this state.
type ResyncPayload struct {
	Content  string `json:"content"`
	Revision uint64 `json:"revision"`
	Seq      uint64 `json:"seq"`
}

// PresencePayload announces a presence state change for one member.
type PresencePayload struct {
	UserId string `json:"user_id"`
	State  string `json:"state"`
}

// ErrorPayload is the only error shape that ever reaches a client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
