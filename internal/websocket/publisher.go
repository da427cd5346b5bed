package websocket

// EventPublisher publishes events to the connections of a recipient
type EventPublisher interface {
	Publish(recipient string, event Event) int
}

var _ EventPublisher = (*Hub)(nil)

// Publish implements EventPublisher by broadcasting to the recipient
func (h *Hub) Publish(recipient string, event Event) int {
	return h.Broadcast(recipient, event)
}

// NoOpPublisher is used when realtime delivery is disabled
type NoOpPublisher struct{}

// Publish does nothing
func (n *NoOpPublisher) Publish(recipient string, event Event) int { return 0 }
