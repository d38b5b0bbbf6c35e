// Package websocket broadcasts the current task's activity/log events to
// any number of locally-connected status viewers. The surface is
// read-only: one event stream, no subscriptions, no client-issued
// commands.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
	"github.com/flamenco-io/flamenco-worker/internal/metrics"
)

// Event is one activity/log/state notification pushed to status clients.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ToJSON serializes the event for the wire.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Hub fans one broadcast stream out to every connected status client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHub builds an idle Hub; call Run to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled or
// Stop is called.
func (h *Hub) Run(ctx context.Context) {
	log := logger.WithComponent("status-websocket")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				h.closeAllClients()
				return
			case <-h.stopCh:
				h.closeAllClients()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()
				metrics.SetWebSocketConnections(float64(h.ClientCount()))
				log.Debug().Str("client_id", client.ID).Msg("status client connected")

			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()
				metrics.SetWebSocketConnections(float64(h.ClientCount()))
				log.Debug().Str("client_id", client.ID).Msg("status client disconnected")

			case event := <-h.broadcast:
				h.broadcastEvent(event)
			}
		}
	}()

	log.Info().Msg("status websocket hub started")
}

// Stop tears down the hub and closes every connected client.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// Register admits client into the broadcast set.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes client from the broadcast set.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast pushes event to every connected client, dropping it if the
// hub's internal buffer is full rather than blocking the caller.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		logger.WithComponent("status-websocket").Warn().Msg("broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastEvent(event Event) {
	data, err := event.ToJSON()
	if err != nil {
		logger.WithComponent("status-websocket").Error().Err(err).Msg("failed to serialize event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
