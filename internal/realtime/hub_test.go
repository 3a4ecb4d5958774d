package realtime

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	move := Scope{FacilityID: "f1", CounterIDs: []string{"c1", "c2"}}
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"not subscribed", Subscription{}, false},
		{"whole facility", Subscription{FacilityID: "f1"}, true},
		{"source counter", Subscription{FacilityID: "f1", CounterID: "c1"}, true},
		{"target counter", Subscription{FacilityID: "f1", CounterID: "c2"}, true},
		{"other counter", Subscription{FacilityID: "f1", CounterID: "c9"}, false},
		{"other facility", Subscription{FacilityID: "f2"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := match(tc.sub, move); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	h := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Send: make(chan []byte), Subscription: Subscription{FacilityID: "f1"}}
	fast := &Client{ID: "fast", Send: make(chan []byte, 1), Subscription: Subscription{FacilityID: "f1"}}
	h.Register(slow)
	h.Register(fast)
	t.Cleanup(func() {
		h.Unregister(slow)
		h.Unregister(fast)
	})

	sent := h.Broadcast([]byte("x"), Scope{FacilityID: "f1"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, []byte("x"), <-fast.Send)
}

func TestUnregisterClosesOnce(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := &Client{ID: "a", Send: make(chan []byte, 1)}
	h.Register(c)
	require.Equal(t, 1, h.Clients())

	h.Unregister(c)
	h.Unregister(c)
	assert.Equal(t, 0, h.Clients())
	_, open := <-c.Send
	assert.False(t, open)
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","facility_id":"f1","counter_id":"c2"}`))
	require.True(t, ok)
	assert.Equal(t, SubscribeMessage{Action: "subscribe", FacilityID: "f1", CounterID: "c2"}, msg)

	_, ok = ParseSubscribe([]byte(`{"action":"join"}`))
	assert.False(t, ok)
	_, ok = ParseSubscribe([]byte(`not json`))
	assert.False(t, ok)
}
