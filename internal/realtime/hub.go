// Package realtime broadcasts campaign-stats updates to connected operator
// dashboards over WebSocket, adapted from the teacher's internal/websocket
// Hub down to a single-tenant broadcast (no organization/user scoping, no
// per-contact filtering — this module has one tenant and one audience).
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/queue"
)

// Hub maintains the set of connected dashboard clients and broadcasts
// campaign stats updates to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan queue.CampaignStatsUpdate
	register   chan *Client
	unregister chan *Client

	log logf.Logger
}

// NewHub creates a Hub. Call Run in its own goroutine to start it.
func NewHub(log logf.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan queue.CampaignStatsUpdate, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run processes register/unregister/broadcast events until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.Info("realtime: dashboard client connected", "total_clients", h.ClientCount())
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Info("realtime: dashboard client disconnected", "total_clients", h.ClientCount())
		case update := <-h.broadcast:
			h.broadcastUpdate(update)
		}
	}
}

func (h *Hub) broadcastUpdate(update queue.CampaignStatsUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.log.Error("realtime: failed to marshal campaign stats update", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("realtime: client send buffer full, dropping update", "campaign_id", update.CampaignID)
		}
	}
}

// BroadcastCampaignStats pushes an update to the broadcast channel, called
// from queue.Subscriber.SubscribeCampaignStats's handler.
func (h *Hub) BroadcastCampaignStats(update *queue.CampaignStatsUpdate) {
	select {
	case h.broadcast <- *update:
	default:
		h.log.Warn("realtime: broadcast channel full, dropping update", "campaign_id", update.CampaignID)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
