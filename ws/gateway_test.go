package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/collab/auth"
	"github.com/studyhall/collab/cache"
	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/fanout"
	"github.com/studyhall/collab/persistence"
	"github.com/studyhall/collab/presence"
	"github.com/studyhall/collab/sequencer"
	"github.com/studyhall/collab/types"
)

type gatewayFixture struct {
	gateway   *Gateway
	persister persistence.Persister
	tracker   *presence.Tracker
	server    *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := hclog.NewNullLogger()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"},
	}
	persister, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { persister.Close() })

	require.NoError(t, persister.StoreRoom(types.Room{Id: "r1", Name: "algebra", Code: "ABCDEF", Capacity: 2}))
	require.NoError(t, persister.StoreMember(types.Member{RoomId: "r1", UserId: "alice", Role: types.RoleOwner}))

	roomCache, err := cache.NewRoomCache(persister, 16, logger)
	require.NoError(t, err)
	bus := fanout.NewMemoryBus(logger)
	t.Cleanup(func() { bus.Close() })
	directory := fanout.NewDirectory("node-a", time.Minute, logger)
	manager := sequencer.NewManager(bus, directory, persister, nil, roomCache, nil, "collab", 100, logger)
	t.Cleanup(manager.Stop)
	tracker := presence.NewTracker(30*time.Second, 15*time.Second, logger)

	verifier := auth.StaticVerifier{
		"tok-alice": "alice",
		"tok-bob":   "bob",
		"tok-carol": "carol",
	}
	gateway := NewGateway(verifier, roomCache, tracker, manager, persister, bus, "collab", 64, logger)
	t.Cleanup(gateway.Close)

	server := httptest.NewServer(http.HandlerFunc(gateway.ServeWs))
	t.Cleanup(server.Close)

	return &gatewayFixture{gateway: gateway, persister: persister, tracker: tracker, server: server}
}

func dial(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, env types.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func awaitClientFrame(t *testing.T, conn *websocket.Conn, frameType string) *types.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s frame", frameType)
		env := types.Envelope{}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == frameType {
			return &env
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, token, code string) *types.JoinedPayload {
	t.Helper()
	data, err := json.Marshal(types.JoinPayload{Token: token, RoomCode: code})
	require.NoError(t, err)
	sendFrame(t, conn, types.Envelope{Type: types.FrameTypeJoin, Data: data})
	env := awaitClientFrame(t, conn, types.FrameTypeJoined)
	joined := types.JoinedPayload{}
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	return &joined
}

func TestJoinHandshake(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dial(t, f)

	joined := join(t, conn, "tok-alice", "ABCDEF")
	assert.Equal(t, "r1", joined.Room.Id)
	assert.Equal(t, "ABCDEF", joined.Room.Code)
	assert.Empty(t, joined.Content)

	snap := f.tracker.Snapshot("r1")
	require.Len(t, snap, 1)
	assert.Equal(t, presence.StateOnline, snap[0].State)
}

func TestJoinRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dial(t, f)

	data, err := json.Marshal(types.JoinPayload{Token: "tok-wrong", RoomCode: "ABCDEF"})
	require.NoError(t, err)
	sendFrame(t, conn, types.Envelope{Type: types.FrameTypeJoin, Data: data})

	env := awaitClientFrame(t, conn, types.FrameTypeError)
	ep := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(env.Data, &ep))
	assert.Equal(t, "authentication_error", ep.Code)
}

func TestJoinRejectsUnknownRoomCode(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dial(t, f)

	data, err := json.Marshal(types.JoinPayload{Token: "tok-alice", RoomCode: "XXXXXX"})
	require.NoError(t, err)
	sendFrame(t, conn, types.Envelope{Type: types.FrameTypeJoin, Data: data})

	env := awaitClientFrame(t, conn, types.FrameTypeError)
	ep := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(env.Data, &ep))
	assert.Equal(t, "room_not_found", ep.Code)
}

func TestJoinEnrollsNewMemberUpToCapacity(t *testing.T) {
	f := newGatewayFixture(t)

	bobConn := dial(t, f)
	join(t, bobConn, "tok-bob", "ABCDEF")
	members, err := f.persister.GetMembers("r1")
	require.NoError(t, err)
	assert.Len(t, members, 2, "bob took the last free seat")

	carolConn := dial(t, f)
	data, err := json.Marshal(types.JoinPayload{Token: "tok-carol", RoomCode: "ABCDEF"})
	require.NoError(t, err)
	sendFrame(t, carolConn, types.Envelope{Type: types.FrameTypeJoin, Data: data})
	env := awaitClientFrame(t, carolConn, types.FrameTypeError)
	ep := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(env.Data, &ep))
	assert.Equal(t, "room_full", ep.Code)
}

func TestChatRoundtripBetweenTwoConnections(t *testing.T) {
	f := newGatewayFixture(t)
	alice := dial(t, f)
	join(t, alice, "tok-alice", "ABCDEF")
	bob := dial(t, f)
	join(t, bob, "tok-bob", "ABCDEF")

	data, err := json.Marshal(types.ChatPayload{Text: "hi bob"})
	require.NoError(t, err)
	sendFrame(t, alice, types.Envelope{Type: types.FrameTypeChat, Data: data})

	env := awaitClientFrame(t, bob, types.FrameTypeChat)
	assert.Equal(t, "alice", env.UserId)
	assert.NotZero(t, env.Seq)
	cp := types.ChatPayload{}
	require.NoError(t, json.Unmarshal(env.Data, &cp))
	assert.Equal(t, "hi bob", cp.Text)
}

func TestAckOnlyReachesTheSender(t *testing.T) {
	f := newGatewayFixture(t)
	alice := dial(t, f)
	join(t, alice, "tok-alice", "ABCDEF")
	bob := dial(t, f)
	join(t, bob, "tok-bob", "ABCDEF")

	op := map[string]interface{}{
		"op_id": "op-1", "client_id": "alice", "base_revision": 0,
		"op": map[string]interface{}{"kind": "insert", "pos": 0, "text": "x"},
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)
	sendFrame(t, alice, types.Envelope{Type: types.FrameTypeOp, Data: data})

	ack := awaitClientFrame(t, alice, types.FrameTypeAck)
	ap := types.AckPayload{}
	require.NoError(t, json.Unmarshal(ack.Data, &ap))
	assert.Equal(t, "op-1", ap.OpId)

	// bob sees the rebased op but never the ack
	env := awaitClientFrame(t, bob, types.FrameTypeOp)
	assert.Equal(t, "alice", env.UserId)
	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, raw, err := bob.ReadMessage()
		if err != nil {
			break // timeout, no stray ack
		}
		stray := types.Envelope{}
		require.NoError(t, json.Unmarshal(raw, &stray))
		require.NotEqual(t, types.FrameTypeAck, stray.Type, "acks are targeted frames")
	}
}
