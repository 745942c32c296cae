package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoomCodeShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := GenerateRoomCode()
		require.NoError(t, err)
		assert.Len(t, code, codeLength)
		for _, r := range code {
			assert.Contains(t, codeAlphabet, string(r))
		}
	}
}

func TestNewRoomCodeRegeneratesOnCollision(t *testing.T) {
	attempts := 0
	code, err := NewRoomCode(func(code string) bool {
		attempts++
		return attempts <= 3 // first three candidates collide
	})
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Equal(t, 4, attempts)
}

func TestNewRoomCodeGivesUpEventually(t *testing.T) {
	_, err := NewRoomCode(func(string) bool { return true })
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unique room code"))
}

func TestEnvelopeTargeting(t *testing.T) {
	targeted := []string{FrameTypeAck, FrameTypeJoined, FrameTypeHistory, FrameTypeError}
	for _, frameType := range targeted {
		env := Envelope{Type: frameType, UserId: "u1"}
		assert.True(t, env.Targeted(), "%s must be delivered to the addressed user only", frameType)
	}

	roomWide := []string{FrameTypeChat, FrameTypeOp, FrameTypePresenceUpdate}
	for _, frameType := range roomWide {
		env := Envelope{Type: frameType, UserId: "u1"}
		assert.False(t, env.Targeted(), "%s must be delivered room-wide", frameType)
	}

	broadcast := Envelope{Type: FrameTypeResync}
	assert.False(t, broadcast.Targeted(), "a resync without a user goes to the whole room")
	directed := Envelope{Type: FrameTypeResync, UserId: "u1"}
	assert.True(t, directed.Targeted())
}
