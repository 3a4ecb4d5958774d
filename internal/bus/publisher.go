package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-sync/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher fans one logical Event out to every alias topic on the primary
// channel and, best effort, on the fallback channel.
type Publisher struct {
	primary  Channel
	fallback Channel
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPublisher builds a publisher. fallback may be nil.
func NewPublisher(primary, fallback Channel, logger zerolog.Logger) *Publisher {
	return &Publisher{primary: primary, fallback: fallback, logger: logger, now: time.Now}
}

// Publish sends every copy of event. It returns the change id and the joined
// primary channel errors; fallback errors are only logged.
func (p *Publisher) Publish(ctx context.Context, event Event) (string, error) {
	if event.ChangeID == "" {
		event.ChangeID = uuid.NewString()
	}
	var errs []error
	for _, routed := range fanOut(event, p.now().UTC()) {
		payload, err := json.Marshal(routed.envelope)
		if err != nil {
			return event.ChangeID, fmt.Errorf("encode %s: %w", routed.topic, err)
		}
		if p.primary != nil {
			if err := p.primary.Publish(ctx, routed.topic, payload); err != nil {
				metrics.RecordPublishError(p.primary.Name())
				errs = append(errs, err)
			} else {
				metrics.RecordPublish(p.primary.Name(), routed.envelope.Event)
			}
		}
		if p.fallback != nil {
			p.publishFallback(ctx, routed.topic, routed.envelope.Event, payload)
		}
	}
	return event.ChangeID, errors.Join(errs...)
}

// PublishFallback sends one raw payload on the fallback channel only. Session
// uses it to tell sibling screens about a move it confirmed.
func (p *Publisher) PublishFallback(ctx context.Context, event Event) {
	if p.fallback == nil {
		return
	}
	for _, routed := range fanOut(event, p.now().UTC()) {
		payload, err := json.Marshal(routed.envelope)
		if err != nil {
			p.logger.Warn().Err(err).Str("topic", routed.topic).Msg("encode fallback notification")
			continue
		}
		p.publishFallback(ctx, routed.topic, routed.envelope.Event, payload)
	}
}

func (p *Publisher) publishFallback(ctx context.Context, topic, name string, payload []byte) {
	if err := p.fallback.Publish(ctx, topic, payload); err != nil {
		metrics.RecordPublishError(p.fallback.Name())
		p.logger.Warn().Err(err).Str("channel", p.fallback.Name()).Str("topic", topic).Msg("fallback publish failed")
		return
	}
	metrics.RecordPublish(p.fallback.Name(), name)
}
