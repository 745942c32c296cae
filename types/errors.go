package types

import "errors"

// The error taxonomy of the session core. Client-conflict handling is never
// an error: stale revisions are resolved by rebasing in the OT engine, and a
// lost connection is handled entirely by the presence tracker.
var (
	// ErrAuthentication rejects a connection, no retry.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRoomNotFound rejects a join for an unknown room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull rejects a join for a room at capacity.
	ErrRoomFull = errors.New("room full")
	// ErrMalformedOperation rejects a single document operation that falls
	// outside the document bounds. The offending client gets a resync
	// directive; shared state is never touched.
	ErrMalformedOperation = errors.New("malformed operation")
	// ErrOwnerUnavailable indicates no live instance currently owns the room;
	// it triggers ownership reassignment and a resync broadcast.
	ErrOwnerUnavailable = errors.New("room owner unavailable")
)

// ErrorCode maps a taxonomy error to the wire code carried in error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrMalformedOperation):
		return "malformed_operation"
	case errors.Is(err, ErrOwnerUnavailable):
		return "owner_unavailable"
	}
	return "internal"
}
