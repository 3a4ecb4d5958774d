package realtime

import (
	"encoding/json"
	"time"

	"qms/queue-sync/internal/bus"

	"github.com/rs/zerolog"
)

// Feed delivers every queue topic of every facility.
type Feed interface {
	SubscribeAll(handler bus.Handler) (bus.Subscription, error)
}

// Frame is what a browser screen receives.
type Frame struct {
	Topic      string          `json:"topic"`
	Kind       bus.Kind        `json:"kind"`
	ChangeID   string          `json:"change_id"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Relay forwards facility-scoped notifications to the hub. Unscoped copies of
// the same change are skipped; screens dedupe the rest by change_id.
type Relay struct {
	hub    *Hub
	logger zerolog.Logger
	now    func() time.Time
}

func NewRelay(hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{hub: hub, logger: logger, now: time.Now}
}

func (r *Relay) Start(feed Feed) (bus.Subscription, error) {
	return feed.SubscribeAll(r.Handle)
}

func (r *Relay) Handle(topic string, payload []byte) {
	scope, _, err := bus.ParseTopic(topic)
	if err != nil || scope == "" {
		return
	}
	n, err := bus.Normalize(topic, payload)
	if err != nil {
		r.logger.Debug().Err(err).Str("topic", topic).Msg("relay dropping notification")
		return
	}
	frame, err := json.Marshal(Frame{
		Topic:      topic,
		Kind:       n.Kind,
		ChangeID:   n.ChangeID,
		Payload:    payload,
		ReceivedAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("encode realtime frame")
		return
	}
	r.hub.Broadcast(frame, Scope{FacilityID: n.FacilityID, CounterIDs: counters(n)})
}

func counters(n bus.Notification) []string {
	var ids []string
	for _, id := range []string{n.CounterID, n.SourceCounterID, n.TargetCounterID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if n.Entry != nil && n.Entry.Counter() != "" {
		ids = append(ids, n.Entry.Counter())
	}
	return ids
}
