package ws

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/karbit/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// filterMsg narrows a client's feed. An empty asset set means everything.
type filterMsg struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Assets []string `json:"assets"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu     sync.RWMutex
	assets map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, sendBufferSize),
		assets: make(map[string]bool),
	}
}

// offer queues msg without blocking. Callers hold hub.mu or own c exclusively.
func (c *client) offer(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// filter returns the snapshots matching the client's assets. narrowed is
// false when the client takes everything.
func (c *client) filter(snaps []domain.ArbitrageSnapshot) (subset []domain.ArbitrageSnapshot, narrowed bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.assets) == 0 {
		return nil, false
	}
	subset = slices.DeleteFunc(slices.Clone(snaps), func(s domain.ArbitrageSnapshot) bool {
		return !c.assets[s.Asset]
	})
	return subset, true
}

// applyFilter updates the asset set and returns it sorted.
func (c *client) applyFilter(msg filterMsg) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range msg.Assets {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.assets[a] = true
		case "unsubscribe":
			delete(c.assets, a)
		}
	}
	out := make([]string, 0, len(c.assets))
	for a := range c.assets {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// readPump handles filter messages and pongs until the peer goes away.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.hub.logger.Debug("client disconnected", slog.String("remote", c.remote))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("remote", c.remote), slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if json.Unmarshal(data, &msg) != nil || (msg.Action != "subscribe" && msg.Action != "unsubscribe") {
			continue
		}
		ack, err := json.Marshal(Frame{Type: frameSubscribed, Assets: c.applyFilter(msg)})
		if err == nil {
			c.hub.deliver(c, ack)
		}
	}
}

// writePump is the connection's only writer.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
