// Package ws relays published rate snapshots to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/karbit/internal/codec"
	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
)

const (
	frameRates      = "exchange_rate"
	frameSubscribed = "subscribed"

	resubscribeGap = 2 * time.Second
)

// Frame is the JSON text frame sent to clients. Rate frames carry Results;
// subscription acks carry the client's current Assets.
type Frame struct {
	Type    string                     `json:"type"`
	Results []domain.ArbitrageSnapshot `json:"results,omitempty"`
	Assets  []string                   `json:"assets,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origin policy is enforced by the CORS middleware
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub subscribes to the snapshot channel, decodes each publish and fans it
// out to connected clients as JSON. Every send on a client's queue happens
// under mu, which is also what closes the queue, so a send never races a
// close.
type Hub struct {
	bus       domain.SignalBus
	codec     codec.Codec
	snapshots domain.SnapshotCache
	channel   string
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub. snapshots may be nil; when set, new clients first
// receive the cached latest snapshots.
func NewHub(bus domain.SignalBus, c codec.Codec, snapshots domain.SnapshotCache, channel string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		codec:     c,
		snapshots: snapshots,
		channel:   channel,
		logger:    logger.With(slog.String("component", "ws")),
		clients:   make(map[*client]struct{}),
	}
}

// Run relays until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		h.relay(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeGap):
		}
	}
}

// relay consumes one subscription until it ends or ctx is cancelled.
func (h *Hub) relay(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.WarnContext(ctx, "subscribe failed",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "subscription closed, resubscribing")
				return
			}
			snaps, err := h.codec.Decode(payload)
			if err != nil {
				h.logger.WarnContext(ctx, "undecodable payload", slog.String("error", err.Error()))
				continue
			}
			h.publish(snaps)
		}
	}
}

// publish encodes the unfiltered frame once and re-encodes only for clients
// that narrowed their feed.
func (h *Hub) publish(snaps []domain.ArbitrageSnapshot) {
	full, err := json.Marshal(Frame{Type: frameRates, Results: snaps})
	if err != nil {
		h.logger.Error("marshal frame", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		msg := full
		if subset, narrowed := c.filter(snaps); narrowed {
			if len(subset) == 0 {
				continue
			}
			if msg, err = json.Marshal(Frame{Type: frameRates, Results: subset}); err != nil {
				continue
			}
		}
		if !c.offer(msg) {
			h.logger.Warn("dropping frame for slow client", slog.String("remote", c.remote))
		}
	}
}

// deliver queues msg for c if it is still connected.
func (h *Hub) deliver(c *client, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		c.offer(msg)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
	}
	clear(h.clients)
	metrics.WebSocketClients.Set(0)
}

// HandleWS upgrades the connection, queues the cached snapshots and starts
// the client's pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn, r.RemoteAddr)

	// queued before add, while nothing else can close send
	if latest := h.latestFrame(r.Context()); latest != nil {
		c.offer(latest)
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("client connected", slog.String("remote", c.remote))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) latestFrame(ctx context.Context) []byte {
	if h.snapshots == nil {
		return nil
	}
	snaps, err := h.snapshots.LatestSnapshots(ctx)
	if err != nil || len(snaps) == 0 {
		return nil
	}
	msg, err := json.Marshal(Frame{Type: frameRates, Results: snaps})
	if err != nil {
		return nil
	}
	return msg
}
