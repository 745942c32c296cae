// Package ws is the session gateway: it upgrades websocket connections,
// performs the join handshake, routes inbound frames into the sequencer and
// delivers sequenced frames from the fanout bus to the connections of this
// instance.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/studyhall/collab/auth"
	"github.com/studyhall/collab/cache"
	"github.com/studyhall/collab/fanout"
	"github.com/studyhall/collab/persistence"
	"github.com/studyhall/collab/presence"
	"github.com/studyhall/collab/sequencer"
	"github.com/studyhall/collab/types"
)

const joinWait = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway terminates client connections and connects them to the room
// fanout. One gateway per instance.
type Gateway struct {
	verifier  auth.Verifier
	cache     *cache.RoomCache
	tracker   *presence.Tracker
	manager   *sequencer.Manager
	persister persistence.Persister
	bus       fanout.Bus
	registry  *Registry
	prefix    string
	capacity  int

	mu   sync.Mutex
	subs map[string]*roomSub // room id

	nextId uint64
	ctx    context.Context
	cancel context.CancelFunc
	logger hclog.Logger
}

// roomSub is the shared, reference-counted bus subscription of one room.
// The first connection of a room opens it, the last one closes it.
type roomSub struct {
	sub  fanout.Subscription
	refs int
	done chan struct{}
}

func NewGateway(verifier auth.Verifier, roomCache *cache.RoomCache, tracker *presence.Tracker, manager *sequencer.Manager, persister persistence.Persister, bus fanout.Bus, prefix string, capacity int, logger hclog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		verifier:  verifier,
		cache:     roomCache,
		tracker:   tracker,
		manager:   manager,
		persister: persister,
		bus:       bus,
		registry:  NewRegistry(logger),
		prefix:    prefix,
		capacity:  capacity,
		subs:      make(map[string]*roomSub),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("gateway"),
	}
	tracker.SetCallbacks(g.onPresenceLeave, g.onPresenceChange)
	return g
}

// ServeWs upgrades the connection and performs the join handshake. The first
// frame must be a join carrying the identity token and the room code;
// anything else closes the connection.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("could not upgrade connection", "error", err)
		return
	}
	// the request context dies with the handler return, the connection
	// lives on
	go g.handshake(g.ctx, conn)
}

func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(joinWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	env := types.Envelope{}
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != types.FrameTypeJoin {
		g.rejectConn(conn, types.ErrAuthentication)
		return
	}
	joinMap := make(map[string]interface{})
	join := types.JoinPayload{}
	if err := json.Unmarshal(env.Data, &joinMap); err != nil {
		g.rejectConn(conn, types.ErrAuthentication)
		return
	}
	if err := mapstructure.WeakDecode(joinMap, &join); err != nil {
		g.rejectConn(conn, types.ErrAuthentication)
		return
	}

	userId, err := g.verifier.Verify(ctx, join.Token)
	if err != nil {
		g.logger.Info("rejected connection", "error", err)
		g.rejectConn(conn, types.ErrAuthentication)
		return
	}
	meta, err := g.cache.GetByCode(join.RoomCode)
	if err != nil {
		g.rejectConn(conn, err)
		return
	}
	if err := g.enroll(meta, userId); err != nil {
		g.rejectConn(conn, err)
		return
	}

	roomId := meta.Room.Id
	c := newClient(g, conn, g.connectionId(userId), roomId, userId)
	if !g.registry.Register(c) {
		conn.Close()
		return
	}
	if err := g.subscribeRoom(roomId); err != nil {
		g.registry.Deregister(c)
		g.rejectConn(conn, err)
		return
	}
	g.tracker.Track(roomId, userId)

	go c.WriteLoop()
	go c.ReadLoop()

	if err := g.manager.Submit(g.ctx, &types.Envelope{
		Type:   types.FrameTypeJoin,
		RoomId: roomId,
		UserId: userId,
	}); err != nil {
		g.logger.Error("could not submit join", "room_id", roomId, "user_id", userId, "error", err)
		g.sendError(c, err)
	}
	g.logger.Info("member connected", "room_id", roomId, "user_id", userId, "connection_id", c.id)
}

// enroll adds the user to the room's member list on first join. Capacity is
// enforced against the durable member count, never against live connections,
// so a flapping connection cannot eat a second seat.
func (g *Gateway) enroll(meta *cache.RoomMetadata, userId string) error {
	if meta.IsMember(userId) {
		return nil
	}
	capacity := meta.Room.Capacity
	if capacity <= 0 {
		capacity = g.capacity
	}
	if len(meta.Members) >= capacity {
		return types.ErrRoomFull
	}
	if g.persister != nil {
		err := g.persister.StoreMember(types.Member{
			RoomId:   meta.Room.Id,
			UserId:   userId,
			Role:     types.RoleMember,
			JoinedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	g.cache.Invalidate(meta.Room.Id)
	return nil
}

// route dispatches one inbound frame. Sender identity and room always come
// from the handshake, never from the frame. The return value tells the read
// loop whether the connection is done.
func (g *Gateway) route(c *Client, env *types.Envelope) bool {
	env.RoomId = c.roomId
	env.UserId = c.userId
	switch env.Type {
	case types.FrameTypeHeartbeat:
		g.tracker.Heartbeat(c.roomId, c.userId)
		return false
	case types.FrameTypeChat, types.FrameTypeOp, types.FrameTypeCatchup:
		if err := g.manager.Submit(g.ctx, env); err != nil {
			g.sendError(c, err)
		}
		return false
	case types.FrameTypeLeave:
		g.leave(c)
		return true
	case types.FrameTypeJoin:
		// already joined on this connection
		g.sendError(c, types.ErrMalformedOperation)
		return false
	}
	g.sendError(c, types.ErrMalformedOperation)
	return false
}

// leave handles an explicit leave frame: the leave event is emitted
// immediately instead of waiting for the presence timeout.
func (g *Gateway) leave(c *Client) {
	g.tracker.Forget(c.roomId, c.userId)
	if err := g.manager.Submit(g.ctx, &types.Envelope{
		Type:   types.FrameTypeLeave,
		RoomId: c.roomId,
		UserId: c.userId,
	}); err != nil {
		g.logger.Error("could not submit leave", "room_id", c.roomId, "user_id", c.userId, "error", err)
	}
}

// disconnect cleans up after a closed connection. The presence record is
// kept: a silent disconnect must look exactly like a lost connection and
// resolve through the suspect/grace timeouts, not through transport state.
func (g *Gateway) disconnect(c *Client) {
	g.registry.Deregister(c)
	g.unsubscribeRoom(c.roomId)
	g.logger.Debug("connection closed", "room_id", c.roomId, "user_id", c.userId, "connection_id", c.id)
}

// subscribeRoom takes a reference on the room's fanout subscription,
// creating it on first use.
func (g *Gateway) subscribeRoom(roomId string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rs, ok := g.subs[roomId]; ok {
		rs.refs++
		return nil
	}
	sub, err := g.bus.Subscribe(g.ctx, fanout.RoomChannel(g.prefix, roomId))
	if err != nil {
		return err
	}
	rs := &roomSub{sub: sub, refs: 1, done: make(chan struct{})}
	g.subs[roomId] = rs
	go g.pump(roomId, rs)
	return nil
}

func (g *Gateway) unsubscribeRoom(roomId string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.subs[roomId]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	delete(g.subs, roomId)
	close(rs.done)
	rs.sub.Close()
}

// pump delivers sequenced frames from the room's fanout channel to the local
// connections. Targeted frames only reach the connections of the addressed
// user; everything else is delivered room-wide.
func (g *Gateway) pump(roomId string, rs *roomSub) {
	for {
		select {
		case raw, ok := <-rs.sub.C():
			if !ok {
				return
			}
			env, err := fanout.DecodeEnvelope(raw)
			if err != nil {
				g.logger.Warn("malformed frame on room channel", "room_id", roomId, "error", err)
				continue
			}
			var targets []*Client
			if env.Targeted() {
				targets = g.registry.ConnectionsFor(roomId, env.UserId)
			} else {
				targets = g.registry.RoomConnections(roomId)
			}
			for _, c := range targets {
				c.Deliver(raw)
			}
		case <-rs.done:
			return
		case <-g.ctx.Done():
			return
		}
	}
}

// onPresenceLeave feeds presence timeouts into the room's total order as
// leave events.
func (g *Gateway) onPresenceLeave(roomId, userId string) {
	if err := g.manager.Submit(g.ctx, &types.Envelope{
		Type:   types.FrameTypeLeave,
		RoomId: roomId,
		UserId: userId,
	}); err != nil {
		g.logger.Error("could not submit presence leave", "room_id", roomId, "user_id", userId, "error", err)
	}
}

// onPresenceChange announces suspected transitions room-wide. Online and
// offline announcements come from the sequencer with the join/leave events;
// suspicion is ephemeral and published directly.
func (g *Gateway) onPresenceChange(roomId, userId, state string) {
	if state != presence.StateSuspected {
		return
	}
	data, err := json.Marshal(types.PresencePayload{UserId: userId, State: state})
	if err != nil {
		return
	}
	err = fanout.PublishEnvelope(g.ctx, g.bus, fanout.RoomChannel(g.prefix, roomId), &types.Envelope{
		Type:   types.FrameTypePresenceUpdate,
		RoomId: roomId,
		Data:   data,
	})
	if err != nil {
		g.logger.Warn("could not publish presence update", "room_id", roomId, "error", err)
	}
}

// sendError delivers an error frame directly to one connection, bypassing
// the room fanout.
func (g *Gateway) sendError(c *Client, err error) {
	raw, merr := errorFrame(c.roomId, c.userId, err)
	if merr != nil {
		return
	}
	c.Deliver(raw)
}

// rejectConn answers a failed handshake with a single error frame and closes
// the connection.
func (g *Gateway) rejectConn(conn *websocket.Conn, err error) {
	if raw, merr := errorFrame("", "", err); merr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
	conn.Close()
}

func errorFrame(roomId, userId string, err error) ([]byte, error) {
	data, merr := json.Marshal(types.ErrorPayload{Code: types.ErrorCode(err), Message: err.Error()})
	if merr != nil {
		return nil, merr
	}
	return json.Marshal(types.Envelope{
		Type:   types.FrameTypeError,
		RoomId: roomId,
		UserId: userId,
		Data:   data,
	})
}

func (g *Gateway) connectionId(userId string) string {
	return fmt.Sprintf("%s#%d", userId, atomic.AddUint64(&g.nextId, 1))
}

// Registry exposes the connection registry, mainly for tests and admin
// introspection.
func (g *Gateway) Registry() *Registry { return g.registry }

// Close shuts the gateway down and drops all room subscriptions.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	for roomId, rs := range g.subs {
		close(rs.done)
		rs.sub.Close()
		delete(g.subs, roomId)
	}
	g.mu.Unlock()
}
