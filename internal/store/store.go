package store

import (
	"context"
	"time"

	"qms/queue-sync/internal/models"
)

type CreateEntryInput struct {
	EntryID    string
	FacilityID string
	CounterID  string
	PatientRef string
	Number     string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// EntryPatch describes one mutation of a queue entry. Empty fields are left
// unchanged. FromStatus and RequireAvailableCounter are checked by the store in
// the same transaction as the write.
type EntryPatch struct {
	Status                  string
	CounterID               string
	FromStatus              string
	Remark                  string
	Metadata                map[string]any
	RequireAvailableCounter bool
	EventType               string
	OccurredAt              time.Time
}

type EntryUpdate struct {
	ID    string
	Patch EntryPatch
}

// QueueStore is the authoritative per-entry state. Updates to done entries are
// always rejected with ErrEntryDone.
type QueueStore interface {
	CreateEntry(ctx context.Context, input CreateEntryInput) (models.QueueEntry, error)
	GetEntry(ctx context.Context, id string) (models.QueueEntry, error)
	ListCounterEntries(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error)
	Update(ctx context.Context, id string, patch EntryPatch) (models.QueueEntry, error)
	UpdateBatch(ctx context.Context, updates []EntryUpdate) ([]models.QueueEntry, error)
	ListEntryEvents(ctx context.Context, id string) ([]EntryEvent, error)
}

// CounterStore is read by the counter directory. Counters are administered by
// another service; UpsertCounter exists for seeding and sync jobs.
type CounterStore interface {
	ListCounters(ctx context.Context, facilityID string) ([]models.Counter, error)
	GetCounter(ctx context.Context, facilityID, counterID string) (models.Counter, error)
	UpsertCounter(ctx context.Context, counter models.Counter) error
}

type Store interface {
	QueueStore
	CounterStore
}

// NewEntry builds the initial waiting entry for an admission.
func NewEntry(input CreateEntryInput, id string) models.QueueEntry {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = Timestamp(createdAt)
	entry := models.QueueEntry{
		ID:         id,
		Number:     input.Number,
		Status:     models.StatusWaiting,
		PatientRef: input.PatientRef,
		FacilityID: input.FacilityID,
		Metadata:   map[string]any{},
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if input.CounterID != "" {
		entry.CounterID = models.StringPtr(input.CounterID)
	}
	for k, v := range input.Metadata {
		entry.Metadata[k] = v
	}
	return entry
}

// ApplyPatch mutates entry in place. Every backend loads the current row,
// applies the patch here and writes the result back inside one transaction.
func ApplyPatch(entry *models.QueueEntry, patch EntryPatch) error {
	if entry.Status == models.StatusDone {
		return ErrEntryDone
	}
	if patch.FromStatus != "" && entry.Status != patch.FromStatus {
		return ErrStatusConflict
	}
	if patch.Status != "" && !models.ValidStatus(patch.Status) {
		return ErrInvalidStatus
	}

	at := patch.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	at = Timestamp(at)

	if patch.CounterID != "" {
		entry.CounterID = models.StringPtr(patch.CounterID)
	}
	if patch.Status != "" && patch.Status != entry.Status {
		entry.Status = patch.Status
		switch patch.Status {
		case models.StatusSkipped:
			entry.SkippedAt = timePtr(at)
		case models.StatusNowServing:
			entry.ServedAt = timePtr(at)
			entry.SkippedAt = nil
		case models.StatusDone:
			entry.CompletedAt = timePtr(at)
			entry.ArchivedAt = timePtr(at)
		default:
			entry.SkippedAt = nil
		}
	}
	if len(patch.Metadata) > 0 && entry.Metadata == nil {
		entry.Metadata = make(map[string]any, len(patch.Metadata))
	}
	for k, v := range patch.Metadata {
		if k == models.MetaRemarks {
			continue
		}
		entry.Metadata[k] = v
	}
	if patch.Remark != "" {
		entry.Metadata = models.AppendRemark(entry.Metadata, patch.Remark)
	}
	entry.UpdatedAt = at
	return nil
}

// EventType returns the history event type recorded for patch.
func EventType(patch EntryPatch) string {
	if patch.EventType != "" {
		return patch.EventType
	}
	if patch.Status != "" {
		return "entry." + patch.Status
	}
	return "entry.updated"
}

// OrderUpdates returns updates with every patch that makes an entry
// now_serving moved after the others, so a counter's previous serving entry is
// released before the new one is written.
func OrderUpdates(updates []EntryUpdate) []EntryUpdate {
	ordered := make([]EntryUpdate, 0, len(updates))
	var serving []EntryUpdate
	for _, update := range updates {
		if update.Patch.Status == models.StatusNowServing {
			serving = append(serving, update)
			continue
		}
		ordered = append(ordered, update)
	}
	return append(ordered, serving...)
}

// Timestamp normalizes t to the precision every backend can store.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func timePtr(value time.Time) *time.Time {
	return &value
}
