package ws

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(id, roomId, userId string) *Client {
	return &Client{
		id:       id,
		roomId:   roomId,
		userId:   userId,
		Send:     make(chan []byte, 4),
		doneChan: make(chan struct{}),
	}
}

func TestRegisterIsIdempotentPerConnectionId(t *testing.T) {
	r := NewRegistry(hclog.NewNullLogger())
	c := testClient("c1", "r1", "u1")
	assert.True(t, r.Register(c))
	assert.False(t, r.Register(testClient("c1", "r1", "u1")), "the same connection id must not register twice")
	assert.Len(t, r.RoomConnections("r1"), 1)
}

func TestDeregisterUnknownIsNoOp(t *testing.T) {
	r := NewRegistry(hclog.NewNullLogger())
	r.Deregister(testClient("ghost", "r1", "u1"))
	assert.Empty(t, r.RoomConnections("r1"))
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	r := NewRegistry(hclog.NewNullLogger())
	require.True(t, r.Register(testClient("c1", "r1", "u1")))
	require.True(t, r.Register(testClient("c2", "r1", "u1")))
	require.True(t, r.Register(testClient("c3", "r1", "u2")))
	require.True(t, r.Register(testClient("c4", "r2", "u1")))

	assert.Len(t, r.RoomConnections("r1"), 3)
	assert.Len(t, r.ConnectionsFor("r1", "u1"), 2)
	assert.Equal(t, 2, r.UserCount("r1"))
	assert.True(t, r.HasUser("r1", "u2"))
	assert.False(t, r.HasUser("r2", "u2"))

	c2 := r.ConnectionsFor("r1", "u1")[0]
	r.Deregister(c2)
	assert.Len(t, r.ConnectionsFor("r1", "u1"), 1)
	assert.True(t, r.HasUser("r1", "u1"), "the user still holds another connection")
}
