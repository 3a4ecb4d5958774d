package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback hands every publish straight to the relay.
type loopback struct {
	handler bus.Handler
}

func (l *loopback) Name() string { return "loopback" }

func (l *loopback) Publish(_ context.Context, topic string, payload []byte) error {
	if l.handler != nil {
		l.handler(topic, payload)
	}
	return nil
}

func (l *loopback) Subscribe(string, bus.Handler) (bus.Subscription, error) {
	return nil, nil
}

func (l *loopback) SubscribeAll(handler bus.Handler) (bus.Subscription, error) {
	l.handler = handler
	return nil, nil
}

func drain(c *Client) []Frame {
	var frames []Frame
	for {
		select {
		case raw := <-c.Send:
			var f Frame
			if err := json.Unmarshal(raw, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

func TestRelayRoutesMoveToBothCounters(t *testing.T) {
	h := NewHub(zerolog.Nop())
	relay := NewRelay(h, zerolog.Nop())
	feed := &loopback{}
	_, err := relay.Start(feed)
	require.NoError(t, err)

	source := &Client{ID: "source", Send: make(chan []byte, 16), Subscription: Subscription{FacilityID: "f1", CounterID: "c1"}}
	target := &Client{ID: "target", Send: make(chan []byte, 16), Subscription: Subscription{FacilityID: "f1", CounterID: "c2"}}
	other := &Client{ID: "other", Send: make(chan []byte, 16), Subscription: Subscription{FacilityID: "f1", CounterID: "c9"}}
	elsewhere := &Client{ID: "elsewhere", Send: make(chan []byte, 16), Subscription: Subscription{FacilityID: "f2"}}
	for _, c := range []*Client{source, target, other, elsewhere} {
		h.Register(c)
	}

	publisher := bus.NewPublisher(feed, nil, zerolog.Nop())
	_, err = publisher.Publish(context.Background(), bus.Event{
		Type:       bus.EventMoved,
		ChangeID:   "op-1",
		FacilityID: "f1",
		Entry: models.QueueEntry{
			ID:         "q1",
			Status:     models.StatusWaiting,
			CounterID:  models.StringPtr("c2"),
			PatientRef: "p1",
			FacilityID: "f1",
		},
		SourceCounterID: "c1",
		TargetCounterID: "c2",
		OccurredAt:      time.Now(),
	})
	require.NoError(t, err)

	frames := drain(target)
	require.Len(t, frames, 4)
	for _, f := range frames {
		assert.Equal(t, "op-1", f.ChangeID)
		assert.Contains(t, f.Topic, "facility:f1:")
	}
	assert.Len(t, drain(source), 4)
	assert.Empty(t, drain(other))
	assert.Empty(t, drain(elsewhere))
}

func TestRelayIgnoresUnknownTopics(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := &Client{ID: "a", Send: make(chan []byte, 4), Subscription: Subscription{FacilityID: "f1"}}
	h.Register(c)
	relay := NewRelay(h, zerolog.Nop())

	relay.Handle("facility:f1:queue:deleted", []byte(`{}`))
	relay.Handle("facility:f1:queue:updated", []byte(`not json`))
	relay.Handle("queue:updated", []byte(`{"facility_id":"f1","change_id":"x"}`))
	assert.Empty(t, drain(c))
}
