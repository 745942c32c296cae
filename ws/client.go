package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studyhall/collab/types"
)

const (
	maxMessageSize  = 65536
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 1000
)

// Client is a middleman between one websocket connection and the gateway.
type Client struct {
	gateway *Gateway

	id     string
	roomId string
	userId string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	doneChan chan struct{}
	once     sync.Once
}

func newClient(gateway *Gateway, conn *websocket.Conn, id, roomId, userId string) *Client {
	return &Client{
		gateway:  gateway,
		id:       id,
		roomId:   roomId,
		userId:   userId,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		doneChan: make(chan struct{}),
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.doneChan) })
}

// Deliver queues an outbound frame. A client that cannot keep up gets
// disconnected instead of backpressuring the room; it will reconnect and
// catch up from its last sequence number.
func (c *Client) Deliver(raw []byte) {
	select {
	case c.Send <- raw:
	case <-c.doneChan:
	default:
		c.gateway.logger.Warn("send buffer full, dropping connection", "connection_id", c.id, "user_id", c.userId)
		c.close()
	}
}

// ReadLoop pumps frames from the websocket connection into the gateway.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Debug("connection closed unexpectedly", "connection_id", c.id, "error", err)
			}
			return
		}
		env := types.Envelope{}
		if err := json.Unmarshal(raw, &env); err != nil {
			c.gateway.logger.Debug("malformed frame", "connection_id", c.id, "error", err)
			c.gateway.sendError(c, types.ErrMalformedOperation)
			continue
		}
		if done := c.gateway.route(c, &env); done {
			return
		}
	}
}

// WriteLoop pumps frames from the gateway to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(raw)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
