package realtime

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const sendBuffer = 16

// NewSockJSHandler serves staff screens under prefix. A screen sends
// {"action":"subscribe","facility_id":...,"counter_id":...} and receives
// relay frames for that scope.
func NewSockJSHandler(prefix string, h *Hub, logger zerolog.Logger) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					logger.Debug().Err(err).Str("client_id", client.ID).Msg("sockjs send failed")
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, Subscription{})
				continue
			}
			if parsed.FacilityID == "" {
				_ = session.Close(4000, "facility_id required")
				return
			}
			h.UpdateSubscription(client, Subscription{FacilityID: parsed.FacilityID, CounterID: parsed.CounterID})
			logger.Debug().
				Str("client_id", client.ID).
				Str("facility_id", parsed.FacilityID).
				Str("counter_id", parsed.CounterID).
				Msg("screen subscribed")
		}
	})
}
