// Package fanout republishes ingested ticks to subscribed websocket clients
// through room-based subscriptions with per-connection rate limits.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketdata-api/internal/config"
	"marketdata-api/internal/ingest"
	"marketdata-api/pkg/provider"
)

// Hub owns the symbol -> connection rooms. Rooms appear on first subscribe
// and disappear when their last member leaves.
type Hub struct {
	cfg config.FanoutConf

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

// NewHub constructs an empty hub.
func NewHub(cfg config.FanoutConf) *Hub {
	return &Hub{
		cfg:   cfg,
		rooms: make(map[string]map[*Conn]struct{}),
	}
}

// Register wraps a websocket transport in a managed connection.
func (h *Hub) Register(ws wsWriter) *Conn {
	return newConn(ws, h.cfg.SendBuffer, h.cfg.RatePerSec, h.cfg.Burst)
}

// Subscribe adds the connection to the symbol's room, creating it on first
// use. Returns the normalized symbol the room is keyed by.
func (h *Hub) Subscribe(c *Conn, symbol string) string {
	key := provider.NormalizeSymbol(symbol)
	if key == "" {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[key]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[key] = room
	}
	room[c] = struct{}{}
	return key
}

// Unsubscribe removes the connection from the symbol's room, destroying the
// room when it empties.
func (h *Hub) Unsubscribe(c *Conn, symbol string) string {
	key := provider.NormalizeSymbol(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, key)
	return key
}

// Drop removes the connection from every room and closes it.
func (h *Hub) Drop(c *Conn) {
	h.mu.Lock()
	for key := range h.rooms {
		h.leaveLocked(c, key)
	}
	h.mu.Unlock()
	c.Close()
}

func (h *Hub) leaveLocked(c *Conn, key string) {
	room, ok := h.rooms[key]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, key)
	}
}

// RoomCount reports the live room count, for the health snapshot.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Subscribers reports the member count of one room.
func (h *Hub) Subscribers(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[provider.NormalizeSymbol(symbol)])
}

// Broadcast delivers one price update to the matching room only. The payload
// is marshalled once and shared across members. Feed symbols go through the
// same normalization as subscriptions so both sides agree on the room key.
func (h *Hub) Broadcast(update ingest.PriceUpdate) {
	symbol := provider.NormalizeSymbol(update.Symbol)
	h.mu.RLock()
	room := h.rooms[symbol]
	if len(room) == 0 {
		h.mu.RUnlock()
		return
	}
	members := make([]*Conn, 0, len(room))
	for c := range room {
		members = append(members, c)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(serverMessage{
		Type:      msgPriceUpdate,
		Symbol:    symbol,
		Price:     &update.Price,
		Volume:    &update.Volume,
		Timestamp: update.Timestamp,
	})
	if err != nil {
		return
	}
	for _, c := range members {
		c.enqueue(payload)
	}
}

// Run consumes the ingestion output channel until ctx is cancelled, sweeping
// dead connections on a fixed cadence.
func (h *Hub) Run(ctx context.Context, updates <-chan ingest.PriceUpdate) {
	sweepEvery := time.Duration(h.cfg.SweepSec) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case update, ok := <-updates:
			if !ok {
				h.closeAll()
				return
			}
			h.Broadcast(update)
		case <-sweep.C:
			h.sweep()
		}
	}
}

// sweep evicts connections whose writer has already shut down and removes the
// rooms they leave empty.
func (h *Hub) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for key, room := range h.rooms {
		for c := range room {
			if c.closed() {
				delete(room, c)
				removed++
			}
		}
		if len(room) == 0 {
			delete(h.rooms, key)
		}
	}
	if removed > 0 {
		logx.Infof("fanout: swept %d dead connections", removed)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make(map[*Conn]struct{})
	for _, room := range h.rooms {
		for c := range room {
			conns[c] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}
