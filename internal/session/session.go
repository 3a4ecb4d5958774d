package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/transfer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mover performs the authoritative move. The orchestrator and the HTTP client
// both satisfy it.
type Mover interface {
	MovePatient(ctx context.Context, req transfer.MoveRequest) (transfer.MoveResult, error)
}

type Config struct {
	FacilityID      string
	ActorID         string
	Primary         bus.Channel
	Fallback        bus.Channel
	DedupWindow     time.Duration
	OnQueueChanged  func(bus.Change)
	OnMoveConfirmed func(models.MoveOperation, bus.Change)
	OnBusEcho       func(models.MoveOperation, bus.Change)
	Logger          zerolog.Logger
}

// Session is one staff screen: it listens on every channel for its facility
// and applies each logical change once.
type Session struct {
	cfg        Config
	reconciler *bus.Reconciler
	fallback   *bus.Publisher
	logger     zerolog.Logger

	mu     sync.Mutex
	subs   []bus.Subscription
	closed bool
}

var ErrClosed = errors.New("session closed")

// Open subscribes the unscoped and facility-scoped topics on the primary and
// fallback channels.
func Open(cfg Config) (*Session, error) {
	if cfg.FacilityID == "" {
		return nil, errors.New("session requires a facility id")
	}
	if cfg.Primary == nil {
		return nil, errors.New("session requires a primary channel")
	}
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("facility_id", cfg.FacilityID).Logger(),
		reconciler: bus.NewReconciler(bus.ReconcilerConfig{
			DedupWindow:     cfg.DedupWindow,
			OnQueueChanged:  cfg.OnQueueChanged,
			OnMoveConfirmed: cfg.OnMoveConfirmed,
			OnBusEcho:       cfg.OnBusEcho,
		}),
	}
	if cfg.Fallback != nil {
		s.fallback = bus.NewPublisher(nil, cfg.Fallback, s.logger)
	}

	for _, ch := range []bus.Channel{cfg.Primary, cfg.Fallback} {
		if ch == nil {
			continue
		}
		for _, topic := range bus.SubscriptionTopics(cfg.FacilityID) {
			sub, err := ch.Subscribe(topic, s.handler(ch.Name()))
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("subscribe %s on %s: %w", topic, ch.Name(), err)
			}
			s.subs = append(s.subs, sub)
		}
	}
	return s, nil
}

// Move sends one move and confirms it from whichever of the mutation
// response or the bus arrives first. entry is the screen's current view of
// the patient.
func (s *Session) Move(ctx context.Context, mover Mover, entry models.QueueEntry, targetCounterID, targetStatus string) (transfer.MoveResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transfer.MoveResult{}, ErrClosed
	}

	op := models.MoveOperation{
		ID:              uuid.NewString(),
		QueueID:         entry.ID,
		FacilityID:      s.cfg.FacilityID,
		PatientRef:      entry.PatientRef,
		SourceCounterID: entry.Counter(),
		TargetCounterID: targetCounterID,
		TargetStatus:    targetStatus,
		InitiatedAt:     time.Now().UTC(),
		InitiatorID:     s.cfg.ActorID,
	}
	req := transfer.MoveRequest{
		QueueID:         op.QueueID,
		FacilityID:      op.FacilityID,
		SourceCounterID: op.SourceCounterID,
		TargetCounterID: op.TargetCounterID,
		TargetStatus:    op.TargetStatus,
		ActorID:         op.InitiatorID,
		CorrelationID:   op.ID,
	}
	if err := transfer.ValidateMove(req); err != nil {
		return transfer.MoveResult{}, err
	}
	if err := s.reconciler.Begin(op); err != nil {
		return transfer.MoveResult{}, err
	}

	result, err := mover.MovePatient(ctx, req)
	if err != nil {
		s.reconciler.Abort(op.ID)
		return transfer.MoveResult{}, err
	}
	s.reconciler.Complete(op.ID, result.Entry)

	if s.fallback != nil {
		s.fallback.PublishFallback(ctx, bus.Event{
			Type:            bus.EventMoved,
			ChangeID:        op.ID,
			FacilityID:      op.FacilityID,
			Entry:           result.Entry,
			SourceCounterID: result.SourceCounterID,
			TargetCounterID: result.TargetCounterID,
			Actor:           op.InitiatorID,
			OccurredAt:      time.Now().UTC(),
		})
	}
	return result, nil
}

// InFlight reports whether a move of this screen awaits confirmation.
func (s *Session) InFlight() bool {
	return s.reconciler.InFlight()
}

// Close unsubscribes every handler. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	s.subs = nil
}

func (s *Session) handler(channel string) bus.Handler {
	return func(topic string, payload []byte) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		n, err := bus.Normalize(topic, payload)
		if err != nil {
			s.logger.Debug().Err(err).Str("topic", topic).Msg("dropping notification")
			return
		}
		if n.FacilityID != "" && n.FacilityID != s.cfg.FacilityID {
			return
		}
		n.Channel = channel
		outcome := s.reconciler.Deliver(n)
		s.logger.Debug().
			Str("channel", channel).
			Str("topic", topic).
			Str("change_id", n.ChangeID).
			Str("outcome", string(outcome)).
			Msg("notification reconciled")
	}
}
