package websocket

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrClientClosed is returned when attempting to send to a closed client
	ErrClientClosed = errors.New("client is closed")
	// ErrSendBufferFull means the client is not reading fast enough
	ErrSendBufferFull = errors.New("client send buffer is full")
)

// ClientInterface defines the interface that clients must implement
type ClientInterface interface {
	ID() string
	Recipient() string
	Send(data []byte) error
	Close() error
}

// Hub manages WebSocket connections grouped by recipient.
// A recipient is the authenticated subject of the connection, so a client
// with several open sessions receives every intent addressed to them.
type Hub struct {
	recipients map[string]map[string]ClientInterface
	mu         sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		recipients: make(map[string]map[string]ClientInterface),
	}
}

// Register adds a client to the hub under its recipient
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recipient := client.Recipient()
	if h.recipients[recipient] == nil {
		h.recipients[recipient] = make(map[string]ClientInterface)
	}
	h.recipients[recipient][client.ID()] = client

	log.Debug().
		Str("recipient", recipient).
		Str("client_id", client.ID()).
		Msg("WebSocket client registered")
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recipient := client.Recipient()
	clients, ok := h.recipients[recipient]
	if !ok {
		return
	}
	if _, exists := clients[client.ID()]; !exists {
		return
	}

	delete(clients, client.ID())
	if len(clients) == 0 {
		delete(h.recipients, recipient)
	}

	log.Debug().
		Str("recipient", recipient).
		Str("client_id", client.ID()).
		Msg("WebSocket client unregistered")
}

// Broadcast sends an event to every connection of a recipient.
// Sends never block, so events for one recipient are queued in the order they
// were broadcast. A connection that cannot keep up is dropped; the client
// reconnects and reloads current state over the API.
// It returns the number of connections the event was queued for.
func (h *Hub) Broadcast(recipient string, event Event) int {
	data, err := event.ToJSON()
	if err != nil {
		log.Error().
			Err(err).
			Str("recipient", recipient).
			Str("event_type", event.Type).
			Msg("Failed to serialize event")
		return 0
	}

	h.mu.RLock()
	clients := make([]ClientInterface, 0, len(h.recipients[recipient]))
	for _, client := range h.recipients[recipient] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	queued := 0
	for _, client := range clients {
		err := client.Send(data)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, ErrSendBufferFull):
			log.Warn().
				Str("recipient", recipient).
				Str("client_id", client.ID()).
				Msg("Dropping slow WebSocket client")
			h.Unregister(client)
			client.Close()
		default:
			h.Unregister(client)
		}
	}

	log.Debug().
		Str("recipient", recipient).
		Str("event_type", event.Type).
		Int("client_count", queued).
		Msg("Broadcast event")

	return queued
}

// ClientCount returns the number of connections open for a recipient
func (h *Hub) ClientCount(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.recipients[recipient])
}

// TotalClientCount returns the total number of connected clients
func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.recipients {
		total += len(clients)
	}
	return total
}
