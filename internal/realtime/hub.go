package realtime

import (
	"encoding/json"
	"sync"

	"qms/queue-sync/internal/metrics"

	"github.com/rs/zerolog"
)

// Subscription is what a screen asked to see. A client with no facility
// receives nothing; an empty counter means every counter of the facility.
type Subscription struct {
	FacilityID string
	CounterID  string
}

// Scope describes where a change happened. A move touches two counters.
type Scope struct {
	FacilityID string
	CounterIDs []string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	FacilityID string `json:"facility_id"`
	CounterID  string `json:"counter_id"`
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	metrics.RealtimeClientConnected()
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.RealtimeClientDisconnected()
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every matching client. Slow clients lose the
// message instead of stalling the relay.
func (h *Hub) Broadcast(payload []byte, scope Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, client := range h.clients {
		if !match(client.Subscription, scope) {
			continue
		}
		select {
		case client.Send <- payload:
			sent++
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
	return sent
}

func match(sub Subscription, scope Scope) bool {
	if sub.FacilityID == "" || sub.FacilityID != scope.FacilityID {
		return false
	}
	if sub.CounterID == "" {
		return true
	}
	for _, id := range scope.CounterIDs {
		if id == sub.CounterID {
			return true
		}
	}
	return false
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
