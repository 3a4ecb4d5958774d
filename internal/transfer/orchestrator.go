package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/metrics"
	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CounterDirectory is the subset of the directory the orchestrator reads.
type CounterDirectory interface {
	ListAvailable(ctx context.Context, facilityID, excludeCounterID string) ([]models.Counter, error)
	Lookup(ctx context.Context, facilityID, counterID string) (models.Counter, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event bus.Event) (string, error)
}

type MoveRequest struct {
	QueueID         string `json:"queue_id,omitempty"`
	FacilityID      string `json:"facility_id,omitempty"`
	SourceCounterID string `json:"source_counter_id,omitempty"`
	TargetCounterID string `json:"target_counter_id"`
	TargetStatus    string `json:"target_status"`
	ActorID         string `json:"actor_id,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
}

type MoveResult struct {
	Entry           models.QueueEntry `json:"entry"`
	SourceCounterID string            `json:"source_counter_id"`
	TargetCounterID string            `json:"target_counter_id"`
	TargetCounter   models.Counter    `json:"target_counter"`
	CorrelationID   string            `json:"correlation_id"`
}

type AdmitRequest struct {
	EntryID    string         `json:"entry_id,omitempty"`
	FacilityID string         `json:"facility_id"`
	CounterID  string         `json:"counter_id"`
	PatientRef string         `json:"patient_ref"`
	Number     string         `json:"number"`
	DoctorID   string         `json:"doctor_id,omitempty"`
	Remarks    string         `json:"remarks,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
}

// Orchestrator is the only writer of queue entries. Counter-level actions of a
// facility run one at a time, which keeps at most one now_serving entry per
// counter; the store re-checks preconditions inside its transaction.
type Orchestrator struct {
	store     store.QueueStore
	directory CounterDirectory
	publisher EventPublisher
	logger    zerolog.Logger
	locks     *keyedMutex
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(st store.QueueStore, dir CounterDirectory, publisher EventPublisher, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		directory: dir,
		publisher: publisher,
		logger:    logger,
		locks:     newKeyedMutex(),
		tracer:    otel.Tracer("qms/queue-sync/transfer"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MovePatient reassigns one entry to another counter. The store mutation is
// the single source of truth: when it fails nothing is published.
func (o *Orchestrator) MovePatient(ctx context.Context, req MoveRequest) (result MoveResult, err error) {
	ctx, span := o.tracer.Start(ctx, "transfer.MovePatient", trace.WithAttributes(
		attribute.String("queue.id", req.QueueID),
		attribute.String("counter.target", req.TargetCounterID),
		attribute.String("queue.target_status", req.TargetStatus),
	))
	defer func() {
		o.finish(span, queue.ActionMove, err)
	}()

	if err := ValidateMove(req); err != nil {
		return MoveResult{}, err
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	facilityID := req.FacilityID
	if req.QueueID != "" {
		pinned, err := o.store.GetEntry(ctx, req.QueueID)
		if err != nil {
			return MoveResult{}, classify("get entry", err)
		}
		if facilityID != "" && pinned.FacilityID != facilityID {
			return MoveResult{}, invalid("facility_id", "does not match queue entry")
		}
		facilityID = pinned.FacilityID
	}

	unlock := o.locks.Lock(facilityID)
	defer unlock()

	entry, err := o.resolveMover(ctx, req, facilityID)
	if err != nil {
		return MoveResult{}, err
	}
	if entry.Status == models.StatusDone {
		return MoveResult{}, &ConflictError{Reason: "entry already done", Err: store.ErrEntryDone}
	}
	source := entry.Counter()
	if req.SourceCounterID != "" && source != "" && req.SourceCounterID != source {
		return MoveResult{}, &ConflictError{Reason: "entry is no longer at the source counter", Err: store.ErrStatusConflict}
	}
	if req.TargetCounterID == source {
		return MoveResult{}, invalid("target_counter_id", "is the entry's current counter")
	}

	target, err := o.resolveTarget(ctx, entry.FacilityID, source, req.TargetCounterID)
	if err != nil {
		return MoveResult{}, err
	}

	targetEntries, err := o.store.ListCounterEntries(ctx, entry.FacilityID, target.ID)
	if err != nil {
		return MoveResult{}, classify("list target queue", err)
	}
	if _, err := queue.PlanMove(entry, targetEntries, target.ID, req.TargetStatus); err != nil {
		return MoveResult{}, classify("plan move", err)
	}

	at := o.now().UTC()
	patch := store.EntryPatch{
		Status:                  req.TargetStatus,
		CounterID:               target.ID,
		FromStatus:              entry.Status,
		Remark:                  transferRemark(source, target, at, req.ActorID),
		RequireAvailableCounter: true,
		EventType:               "entry.moved",
		OccurredAt:              at,
	}
	updated, err := o.store.Update(context.WithoutCancel(ctx), entry.ID, patch)
	if err != nil {
		return MoveResult{}, classify("update entry", err)
	}

	o.publish(ctx, bus.Event{
		Type:            bus.EventMoved,
		ChangeID:        correlationID,
		FacilityID:      updated.FacilityID,
		Entry:           updated,
		SourceCounterID: source,
		TargetCounterID: target.ID,
		Actor:           req.ActorID,
		OccurredAt:      at,
	})

	o.logger.Info().
		Str("queue_id", updated.ID).
		Str("facility_id", updated.FacilityID).
		Str("source_counter_id", source).
		Str("target_counter_id", target.ID).
		Str("status", updated.Status).
		Str("correlation_id", correlationID).
		Msg("patient moved")

	return MoveResult{
		Entry:           updated,
		SourceCounterID: source,
		TargetCounterID: target.ID,
		TargetCounter:   target,
		CorrelationID:   correlationID,
	}, nil
}

// ServeNext completes the counter's current entry and serves the
// lowest-numbered waiting or next entry. It returns nil when nobody waits.
func (o *Orchestrator) ServeNext(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error) {
	return o.counterAction(ctx, queue.ActionServe, facilityID, counterID, actorID, func(entries []models.QueueEntry) (queue.Plan, error) {
		return queue.PlanServeNext(entries, counterID), nil
	})
}

// Recall returns the earliest-skipped entry at the counter to waiting.
func (o *Orchestrator) Recall(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error) {
	return o.counterAction(ctx, queue.ActionRecall, facilityID, counterID, actorID, func(entries []models.QueueEntry) (queue.Plan, error) {
		return queue.PlanRecall(entries, counterID), nil
	})
}

// PromoteNext marks the lowest-numbered waiting entry as next.
func (o *Orchestrator) PromoteNext(ctx context.Context, facilityID, counterID, actorID string) (*models.QueueEntry, error) {
	return o.counterAction(ctx, queue.ActionPromote, facilityID, counterID, actorID, func(entries []models.QueueEntry) (queue.Plan, error) {
		return queue.PlanPromote(entries, counterID), nil
	})
}

// Skip marks an entry skipped. Skipping the entry being served serves the
// next candidate; with none the counter is left idle.
func (o *Orchestrator) Skip(ctx context.Context, queueID, actorID string) (skipped models.QueueEntry, err error) {
	ctx, span := o.tracer.Start(ctx, "transfer.Skip", trace.WithAttributes(attribute.String("queue.id", queueID)))
	defer func() {
		o.finish(span, queue.ActionSkip, err)
	}()

	if strings.TrimSpace(queueID) == "" {
		return models.QueueEntry{}, invalid("queue_id", "is required")
	}
	entry, err := o.store.GetEntry(ctx, queueID)
	if err != nil {
		return models.QueueEntry{}, classify("get entry", err)
	}

	unlock := o.locks.Lock(entry.FacilityID)
	defer unlock()

	entry, err = o.store.GetEntry(ctx, queueID)
	if err != nil {
		return models.QueueEntry{}, classify("get entry", err)
	}
	if entry.Status == models.StatusDone {
		return models.QueueEntry{}, &ConflictError{Reason: "entry already done", Err: store.ErrEntryDone}
	}
	var entries []models.QueueEntry
	if entry.CounterID != nil {
		entries, err = o.store.ListCounterEntries(ctx, entry.FacilityID, entry.Counter())
		if err != nil {
			return models.QueueEntry{}, classify("list queue", err)
		}
	}
	plan, err := queue.PlanSkip(entries, entry)
	if err != nil {
		return models.QueueEntry{}, classify("plan skip", err)
	}
	updated, err := o.apply(ctx, plan, entry.FacilityID, actorID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	for _, e := range updated {
		if e.ID == entry.ID {
			return e, nil
		}
	}
	return models.QueueEntry{}, &TransportError{Op: "skip", Err: errors.New("skipped entry missing from store response")}
}

// Admit adds a waiting entry at an available counter.
func (o *Orchestrator) Admit(ctx context.Context, req AdmitRequest) (entry models.QueueEntry, err error) {
	ctx, span := o.tracer.Start(ctx, "transfer.Admit", trace.WithAttributes(
		attribute.String("facility.id", req.FacilityID),
		attribute.String("counter.id", req.CounterID),
	))
	defer func() {
		o.finish(span, "admit", err)
	}()

	switch {
	case strings.TrimSpace(req.FacilityID) == "":
		return models.QueueEntry{}, invalid("facility_id", "is required")
	case strings.TrimSpace(req.CounterID) == "":
		return models.QueueEntry{}, invalid("counter_id", "is required")
	case strings.TrimSpace(req.Number) == "":
		return models.QueueEntry{}, invalid("number", "is required")
	}

	counter, err := o.directory.Lookup(ctx, req.FacilityID, req.CounterID)
	if err != nil {
		return models.QueueEntry{}, classify("lookup counter", err)
	}
	if !counter.Available() {
		return models.QueueEntry{}, &ConflictError{Reason: "counter inactive or hidden", Err: store.ErrCounterUnavailable}
	}

	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.DoctorID != "" {
		metadata[models.MetaDoctorID] = req.DoctorID
	}
	delete(metadata, models.MetaRemarks)
	metadata = models.AppendRemark(metadata, req.Remarks)

	entry, err = o.store.CreateEntry(context.WithoutCancel(ctx), store.CreateEntryInput{
		EntryID:    req.EntryID,
		FacilityID: req.FacilityID,
		CounterID:  counter.ID,
		PatientRef: req.PatientRef,
		Number:     req.Number,
		Metadata:   metadata,
		CreatedAt:  o.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrEntryExists) {
			return models.QueueEntry{}, &ConflictError{Reason: "entry already exists", Err: err}
		}
		return models.QueueEntry{}, classify("create entry", err)
	}

	o.publish(ctx, bus.Event{
		Type:            bus.EventAdmitted,
		FacilityID:      entry.FacilityID,
		Entry:           entry,
		TargetCounterID: counter.ID,
		Actor:           req.ActorID,
		OccurredAt:      entry.CreatedAt,
	})
	return entry, nil
}

func (o *Orchestrator) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	entry, err := o.store.GetEntry(ctx, id)
	if err != nil {
		return models.QueueEntry{}, classify("get entry", err)
	}
	return entry, nil
}

// ListCounterQueue returns the counter's unarchived entries in serving order.
func (o *Orchestrator) ListCounterQueue(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error) {
	if facilityID == "" || counterID == "" {
		return nil, invalid("counter_id", "and facility_id are required")
	}
	entries, err := o.store.ListCounterEntries(ctx, facilityID, counterID)
	if err != nil {
		return nil, classify("list queue", err)
	}
	return entries, nil
}

// EntryHistory returns the verified event chain of one entry.
func (o *Orchestrator) EntryHistory(ctx context.Context, id string) ([]store.EntryEvent, error) {
	events, err := o.store.ListEntryEvents(ctx, id)
	if err != nil {
		return nil, classify("list entry events", err)
	}
	if err := store.VerifyEntryEvents(events); err != nil {
		o.logger.Error().Err(err).Str("queue_id", id).Msg("entry history failed verification")
		return events, err
	}
	return events, nil
}

// AvailableCounters lists move targets for an entry at excludeCounterID.
func (o *Orchestrator) AvailableCounters(ctx context.Context, facilityID, excludeCounterID string) ([]models.Counter, error) {
	if facilityID == "" {
		return []models.Counter{}, invalid("facility_id", "is required")
	}
	counters, err := o.directory.ListAvailable(ctx, facilityID, excludeCounterID)
	if err != nil {
		return []models.Counter{}, &TransportError{Op: "list counters", Err: err}
	}
	return counters, nil
}

func (o *Orchestrator) counterAction(ctx context.Context, action, facilityID, counterID, actorID string, plan func([]models.QueueEntry) (queue.Plan, error)) (subject *models.QueueEntry, err error) {
	ctx, span := o.tracer.Start(ctx, "transfer."+action, trace.WithAttributes(
		attribute.String("facility.id", facilityID),
		attribute.String("counter.id", counterID),
	))
	defer func() {
		o.finish(span, action, err)
	}()

	if strings.TrimSpace(facilityID) == "" {
		return nil, invalid("facility_id", "is required")
	}
	if strings.TrimSpace(counterID) == "" {
		return nil, invalid("counter_id", "is required")
	}

	unlock := o.locks.Lock(facilityID)
	defer unlock()

	entries, err := o.store.ListCounterEntries(ctx, facilityID, counterID)
	if err != nil {
		return nil, classify("list queue", err)
	}
	p, err := plan(entries)
	if err != nil {
		return nil, classify("plan "+action, err)
	}
	if p.Empty() {
		return nil, nil
	}
	updated, err := o.apply(ctx, p, facilityID, actorID)
	if err != nil {
		return nil, err
	}
	if p.Subject == "" {
		return nil, nil
	}
	for _, e := range updated {
		if e.ID == p.Subject {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}

// apply writes every change of plan in one store batch and publishes one
// update event per changed entry.
func (o *Orchestrator) apply(ctx context.Context, plan queue.Plan, facilityID, actorID string) ([]models.QueueEntry, error) {
	at := o.now().UTC()
	updates := make([]store.EntryUpdate, 0, len(plan.Changes))
	for _, change := range plan.Changes {
		updates = append(updates, store.EntryUpdate{
			ID: change.EntryID,
			Patch: store.EntryPatch{
				Status:     change.To,
				CounterID:  change.CounterID,
				FromStatus: change.From,
				EventType:  "entry." + change.To,
				OccurredAt: at,
			},
		})
	}
	updated, err := o.store.UpdateBatch(context.WithoutCancel(ctx), updates)
	if err != nil {
		return nil, classify("update entries", err)
	}
	for _, entry := range updated {
		o.publish(ctx, bus.Event{
			Type:       bus.EventUpdated,
			FacilityID: facilityID,
			Entry:      entry,
			Actor:      actorID,
			OccurredAt: at,
		})
	}
	o.logger.Info().
		Str("action", plan.Action).
		Str("facility_id", facilityID).
		Str("subject", plan.Subject).
		Int("changes", len(updated)).
		Msg("queue action applied")
	return updated, nil
}

func (o *Orchestrator) resolveMover(ctx context.Context, req MoveRequest, facilityID string) (models.QueueEntry, error) {
	if req.QueueID != "" {
		entry, err := o.store.GetEntry(ctx, req.QueueID)
		if err != nil {
			return models.QueueEntry{}, classify("get entry", err)
		}
		return entry, nil
	}
	entries, err := o.store.ListCounterEntries(ctx, facilityID, req.SourceCounterID)
	if err != nil {
		return models.QueueEntry{}, classify("list source queue", err)
	}
	candidate, ok := queue.NextCandidate(entries, req.SourceCounterID)
	if !ok {
		return models.QueueEntry{}, fmt.Errorf("no waiting entry at counter %s: %w", req.SourceCounterID, store.ErrEntryNotFound)
	}
	o.logger.Warn().
		Str("facility_id", facilityID).
		Str("source_counter_id", req.SourceCounterID).
		Str("queue_id", candidate.ID).
		Msg("move without pinned entry; using lowest-numbered waiting entry")
	return candidate, nil
}

func (o *Orchestrator) resolveTarget(ctx context.Context, facilityID, sourceCounterID, targetCounterID string) (models.Counter, error) {
	available, err := o.directory.ListAvailable(ctx, facilityID, sourceCounterID)
	if err != nil {
		return models.Counter{}, &TransportError{Op: "list counters", Err: err}
	}
	for _, counter := range available {
		if counter.ID == targetCounterID {
			return counter, nil
		}
	}
	counter, err := o.directory.Lookup(ctx, facilityID, targetCounterID)
	if err != nil {
		if errors.Is(err, store.ErrCounterNotFound) {
			return models.Counter{}, invalid("target_counter_id", "is not a counter of this facility")
		}
		return models.Counter{}, &TransportError{Op: "lookup counter", Err: err}
	}
	reason := "target counter is inactive"
	if counter.Status == models.CounterActive {
		reason = "target counter is hidden"
	}
	return models.Counter{}, &ConflictError{Reason: reason, Err: store.ErrCounterUnavailable}
}

func (o *Orchestrator) publish(ctx context.Context, event bus.Event) {
	if o.publisher == nil {
		return
	}
	changeID, err := o.publisher.Publish(context.WithoutCancel(ctx), event)
	if err != nil {
		o.logger.Warn().Err(err).
			Str("queue_id", event.Entry.ID).
			Str("change_id", changeID).
			Str("event", string(event.Type)).
			Msg("publish queue event failed")
	}
}

func (o *Orchestrator) finish(span trace.Span, action string, err error) {
	metrics.RecordQueueAction(action, outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ValidateMove checks a request without touching the store. Remote callers
// run it before anything goes on the wire.
func ValidateMove(req MoveRequest) error {
	if strings.TrimSpace(req.TargetCounterID) == "" {
		return invalid("target_counter_id", "is required")
	}
	if !models.ValidStatus(req.TargetStatus) {
		return invalid("target_status", "must be one of waiting, next, now_serving, done, skipped")
	}
	if req.QueueID == "" && (req.FacilityID == "" || req.SourceCounterID == "") {
		return invalid("queue_id", "is required unless facility_id and source_counter_id are given")
	}
	return nil
}

func transferRemark(source string, target models.Counter, at time.Time, actor string) string {
	if source == "" {
		source = "unassigned"
	}
	if actor == "" {
		actor = "unknown"
	}
	label := target.ID
	if target.Name != "" {
		label = target.Name
	}
	return fmt.Sprintf("Transferred from %s to %s at %s by %s", source, label, at.Format(time.RFC3339), actor)
}
