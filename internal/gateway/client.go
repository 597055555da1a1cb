package gateway

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	instrument string // empty receives every instrument
}

// matches reports whether the client wants envelopes on channel.
func (c *Client) matches(channel string) bool {
	if c.instrument == "" {
		return true
	}
	return strings.HasPrefix(channel, "signals:"+c.instrument+":")
}

// sendInitialState queues backfill envelopes. Called with the hub lock held
// before the pumps start.
func (c *Client) sendInitialState(entries []replayEntry) {
	for _, e := range entries {
		if !c.matches(e.Channel) {
			continue
		}
		select {
		case c.send <- e.Data:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &req) != nil || req.Type != "ping" {
			continue
		}
		pong, _ := json.Marshal(map[string]interface{}{
			"type":      "pong",
			"ping":      req.Ping,
			"server_ts": time.Now().UnixMilli(),
			"seq":       c.hub.Seq(),
		})
		c.enqueue(pong)
	}
}

// enqueue drops msg if the client is gone or its queue is full.
func (c *Client) enqueue(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
