// Package websocket serves the coordinator's event stream to UI clients and
// links the daemon to the native shell that owns the platform call UI and
// the media engine.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"concierge-intercom/internal/events"
	"concierge-intercom/pkg/logger"

	"go.uber.org/zap"
)

// subscriptionRequest registers a client with the event kinds it wants
type subscriptionRequest struct {
	client *Client
	kinds  map[events.Kind]struct{}
}

// Hub fans coordinator events out to every connected UI client as JSON
// envelopes.
type Hub struct {
	mu  sync.RWMutex
	log *logger.Logger

	// clients maps a client to the kinds it receives; an empty set means all
	clients map[*Client]map[events.Kind]struct{}

	register   chan subscriptionRequest
	unregister chan *Client
	unsub      func()
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        logger.OrNop(log),
		clients:    make(map[*Client]map[events.Kind]struct{}),
		register:   make(chan subscriptionRequest, 64),
		unregister: make(chan *Client, 64),
	}
}

// Run processes registrations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case req := <-h.register:
			h.mu.Lock()
			h.clients[req.client] = req.kinds
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			client.Close()
		}
	}
}

// Attach starts forwarding every event of stream.
func (h *Hub) Attach(stream events.Observable) {
	unsub := stream.Subscribe(events.KindAll, h.Dispatch)
	h.mu.Lock()
	h.unsub = unsub
	h.mu.Unlock()
}

func (h *Hub) Detach() {
	h.mu.Lock()
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Register adds client, filtered to kinds when any are given.
func (h *Hub) Register(client *Client, kinds ...events.Kind) {
	set := make(map[events.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	h.register <- subscriptionRequest{client: client, kinds: set}
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Dispatch encodes ev once and queues it on every interested client. Slow
// clients lose messages rather than stall the coordinator.
func (h *Hub) Dispatch(ev events.Event) {
	env, err := events.NewEnvelope(ev)
	if err != nil {
		h.log.Logger.Error("failed to build event envelope", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Logger.Error("failed to encode event envelope", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client, kinds := range h.clients {
		if len(kinds) > 0 {
			if _, ok := kinds[ev.Kind]; !ok {
				continue
			}
		}
		if !client.SendMessage(payload) {
			h.log.Logger.Warn("event dropped for slow client",
				zap.String("client_id", client.ID),
				zap.String("kind", string(ev.Kind)),
			)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
