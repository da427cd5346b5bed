package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient is a test double for Client that captures sent messages
type mockClient struct {
	id        string
	recipient string
	messages  [][]byte
	mu        sync.Mutex
	closed    bool
	capacity  int // zero means unbounded
}

func newMockClient(id, recipient string) *mockClient {
	return &mockClient{
		id:        id,
		recipient: recipient,
		messages:  make([][]byte, 0),
	}
}

func (m *mockClient) ID() string {
	return m.id
}

func (m *mockClient) Recipient() string {
	return m.recipient
}

func (m *mockClient) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClientClosed
	}
	if m.capacity > 0 && len(m.messages) >= m.capacity {
		return ErrSendBufferFull
	}
	m.messages = append(m.messages, data)
	return nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockClient) GetMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([][]byte, len(m.messages))
	copy(copied, m.messages)
	return copied
}

func depositEvent(id string) Event {
	return FromIntent(domain.Intent{
		Recipient: "client-a",
		Type:      domain.IntentDepositReceived,
		Payload:   map[string]any{"depositId": id},
	})
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()

	client1 := newMockClient("conn-1", "client-a")
	client2 := newMockClient("conn-2", "client-a")
	client3 := newMockClient("conn-3", "client-b")

	hub.Register(client1)
	hub.Register(client2)
	hub.Register(client3)

	assert.Equal(t, 2, hub.ClientCount("client-a"))
	assert.Equal(t, 1, hub.ClientCount("client-b"))
	assert.Equal(t, 0, hub.ClientCount("nobody"))
	assert.Equal(t, 3, hub.TotalClientCount())

	hub.Unregister(client1)
	assert.Equal(t, 1, hub.ClientCount("client-a"))

	hub.Unregister(client2)
	hub.Unregister(client3)
	assert.Equal(t, 0, hub.TotalClientCount())
}

func TestHub_Broadcast_RecipientIsolation(t *testing.T) {
	hub := NewHub()

	phone := newMockClient("conn-phone", "client-a")
	laptop := newMockClient("conn-laptop", "client-a")
	other := newMockClient("conn-other", "client-b")

	hub.Register(phone)
	hub.Register(laptop)
	hub.Register(other)

	sent := hub.Broadcast("client-a", depositEvent("d-1"))
	assert.Equal(t, 2, sent)

	assert.Len(t, phone.GetMessages(), 1)
	assert.Len(t, laptop.GetMessages(), 1)
	assert.Len(t, other.GetMessages(), 0, "other recipients must not see the event")
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub()

	var wg sync.WaitGroup
	clientCount := 50

	clients := make([]*mockClient, clientCount)
	for i := 0; i < clientCount; i++ {
		clients[i] = newMockClient(fmt.Sprintf("conn-%d", i), fmt.Sprintf("client-%d", i%5))
	}

	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			hub.Register(clients[idx])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, clientCount, hub.TotalClientCount())

	for i := 0; i < clientCount; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			hub.Broadcast(fmt.Sprintf("client-%d", idx%5), depositEvent(fmt.Sprint(idx)))
		}(i)
		go func(idx int) {
			defer wg.Done()
			hub.Unregister(clients[idx])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, hub.TotalClientCount())
}

func TestHub_UnregisterNonexistent(t *testing.T) {
	hub := NewHub()

	require.NotPanics(t, func() {
		hub.Unregister(newMockClient("conn-1", "client-a"))
	})
}

func TestHub_BroadcastToUnknownRecipient(t *testing.T) {
	hub := NewHub()

	var sent int
	require.NotPanics(t, func() {
		sent = hub.Broadcast("nobody", depositEvent("d-1"))
	})
	assert.Zero(t, sent)
}

func TestHub_Broadcast_PreservesOrder(t *testing.T) {
	hub := NewHub()
	client := newMockClient("conn-1", "client-a")
	hub.Register(client)

	for i := 0; i < 5; i++ {
		hub.Broadcast("client-a", depositEvent(fmt.Sprintf("d-%d", i)))
	}

	messages := client.GetMessages()
	require.Len(t, messages, 5)
	for i, msg := range messages {
		assert.Contains(t, string(msg), fmt.Sprintf(`"depositId":"d-%d"`, i))
	}
}

func TestHub_Broadcast_DropsSlowClient(t *testing.T) {
	hub := NewHub()
	slow := newMockClient("conn-slow", "client-a")
	slow.capacity = 1
	fast := newMockClient("conn-fast", "client-a")
	hub.Register(slow)
	hub.Register(fast)

	assert.Equal(t, 2, hub.Broadcast("client-a", depositEvent("d-1")))
	assert.Equal(t, 1, hub.Broadcast("client-a", depositEvent("d-2")))

	assert.Equal(t, 1, hub.ClientCount("client-a"))
	assert.True(t, slow.closed)
	assert.Len(t, fast.GetMessages(), 2)
}

func TestHub_Broadcast_UnregistersClosedClient(t *testing.T) {
	hub := NewHub()
	client := newMockClient("conn-1", "client-a")
	hub.Register(client)
	require.NoError(t, client.Close())

	assert.Zero(t, hub.Broadcast("client-a", depositEvent("d-1")))
	assert.Zero(t, hub.ClientCount("client-a"))
}
