package room

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket session bound to a room. userID is empty until
// the room loop processes a valid identify; it is only ever touched from
// the room loop.
type Client struct {
	conn *websocket.Conn
	rs   *RoomServer
	log  *log.Logger

	userID string

	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(conn *websocket.Conn, rs *RoomServer, l *log.Logger) *Client {
	return &Client{
		conn: conn,
		rs:   rs,
		log:  l,
		send: make(chan *ServerMessage, 256),
		stop: make(chan struct{}),
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.conn.Close()
		c.deregister()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		select {
		case c.rs.msgChan <- &msg:
		case <-c.rs.done:
			return
		default:
			c.log.Printf("msgChan full for room %q, dropping message", c.rs.state.RoomID)
		}
	}
}

// queueMessage enqueues for the write pump; a full channel drops the
// message rather than blocking the room loop.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) deregister() {
	select {
	case c.rs.deregisterChan <- c:
	case <-c.rs.done:
	}
}

// shutdown stops the write pump and closes the connection. Safe to call
// more than once.
func (c *Client) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
