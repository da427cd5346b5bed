package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHub_Publish(t *testing.T) {
	hub := NewHub()

	client := newMockClient("conn-1", "client-a")
	hub.Register(client)

	var publisher EventPublisher = hub
	assert.Equal(t, 1, publisher.Publish("client-a", depositEvent("d-42")))

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, client.GetMessages(), 1)
}

func TestNoOpPublisher_Publish(t *testing.T) {
	var publisher EventPublisher = &NoOpPublisher{}

	assert.NotPanics(t, func() {
		assert.Zero(t, publisher.Publish("client-a", depositEvent("d-1")))
	})
}
