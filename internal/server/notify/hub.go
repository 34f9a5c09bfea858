// Package notify pushes change-log notifications to connected devices over
// websockets so they can pull the delta without polling.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"github.com/gorilla/websocket"
)

// Options tune connection keep-alive.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxConnPerDev  int
	SendBufferSize int
}

func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxConnPerDev:  4,
		SendBufferSize: 64,
	}
}

// Hub tracks connected devices and fans change notifications out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	byDev   map[string]int
	opts    Options
	logger  logging.Logger
}

func NewHub(l logging.Logger, opts Options) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		byDev:   make(map[string]int),
		opts:    opts,
		logger:  l.With("module", "notify_hub"),
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opts.MaxConnPerDev > 0 && h.byDev[c.deviceID] >= h.opts.MaxConnPerDev {
		return false
	}
	h.clients[c] = struct{}{}
	h.byDev[c.deviceID]++
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if h.byDev[c.deviceID]--; h.byDev[c.deviceID] <= 0 {
		delete(h.byDev, c.deviceID)
	}
	close(c.send)
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish announces changes to every device except origin. Slow clients
// whose buffer is full are disconnected; they catch up via the delta.
func (h *Hub) Publish(ctx context.Context, origin string, changes []models.Change) {
	if len(changes) == 0 {
		return
	}
	var cursor int64
	for _, c := range changes {
		cursor = max(cursor, c.Seq)
	}
	msg, err := rpc.NewFeedMessage(rpc.FeedChanges, rpc.ChangesPayload{Cursor: cursor, Changes: changes})
	if err != nil {
		h.logger.Error(ctx, "encode notification", "error", err)
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(ctx, "encode notification", "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.deviceID == origin {
			continue
		}
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn(ctx, "send buffer full, dropping connection", "device", c.deviceID)
		h.unregister(c)
	}
}

// Run blocks until ctx is done and then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.unregister(c)
	}
}

type client struct {
	hub      *Hub
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		// Devices never send anything meaningful; reading keeps pong handling alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn(context.Background(), "websocket read", "device", c.deviceID, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
