package memory

import (
	"context"
	"sort"
	"sync"

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/queue"
	"qms/queue-sync/internal/store"

	"github.com/google/uuid"
)

// Store keeps entries, counters and entry history in process memory. It is the
// default backend for tests and single-process demos.
type Store struct {
	mu       sync.Mutex
	entries  map[string]models.QueueEntry
	events   map[string][]store.EntryEvent
	counters map[string]models.Counter
}

func New() *Store {
	return &Store{
		entries:  make(map[string]models.QueueEntry),
		events:   make(map[string][]store.EntryEvent),
		counters: make(map[string]models.Counter),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, err
	}
	id := input.EntryID
	if id == "" {
		id = uuid.NewString()
	}
	entry := store.NewEntry(input, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return models.QueueEntry{}, store.ErrEntryExists
	}
	if err := s.appendEvent(entry, "entry.created"); err != nil {
		return models.QueueEntry{}, err
	}
	s.entries[id] = entry
	return entry.Clone(), nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry.Clone(), nil
}

func (s *Store) ListCounterEntries(ctx context.Context, facilityID, counterID string) ([]models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, entry := range s.entries {
		if entry.FacilityID != facilityID || !entry.AtCounter(counterID) || entry.ArchivedAt != nil {
			continue
		}
		out = append(out, entry.Clone())
	}
	queue.SortByNumber(out)
	return out, nil
}

func (s *Store) Update(ctx context.Context, id string, patch store.EntryPatch) (models.QueueEntry, error) {
	updated, err := s.UpdateBatch(ctx, []store.EntryUpdate{{ID: id, Patch: patch}})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return updated[0], nil
}

// UpdateBatch applies every update or none of them.
func (s *Store) UpdateBatch(ctx context.Context, updates []store.EntryUpdate) ([]models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]models.QueueEntry, len(updates))
	order := make([]string, 0, len(updates))
	for _, update := range updates {
		entry, ok := staged[update.ID]
		if !ok {
			current, found := s.entries[update.ID]
			if !found {
				return nil, store.ErrEntryNotFound
			}
			entry = current.Clone()
			order = append(order, update.ID)
		}
		if update.Patch.RequireAvailableCounter {
			if err := s.checkCounter(entry.FacilityID, update.Patch.CounterID); err != nil {
				return nil, err
			}
		}
		if err := store.ApplyPatch(&entry, update.Patch); err != nil {
			return nil, err
		}
		staged[update.ID] = entry
	}

	pending := make(map[string][]store.EntryEvent, len(updates))
	for _, update := range updates {
		entry := staged[update.ID]
		history := pending[update.ID]
		if history == nil {
			history = append([]store.EntryEvent(nil), s.events[update.ID]...)
		}
		var prev *store.EntryEvent
		if len(history) > 0 {
			prev = &history[len(history)-1]
		}
		event, err := store.NextEntryEvent(prev, entry, store.EventType(update.Patch), entry.UpdatedAt)
		if err != nil {
			return nil, err
		}
		pending[update.ID] = append(history, event)
	}

	out := make([]models.QueueEntry, 0, len(updates))
	for _, id := range order {
		s.entries[id] = staged[id]
		s.events[id] = pending[id]
	}
	for _, update := range updates {
		out = append(out, staged[update.ID].Clone())
	}
	return out, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, id string) ([]store.EntryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return nil, store.ErrEntryNotFound
	}
	return append([]store.EntryEvent(nil), s.events[id]...), nil
}

func (s *Store) ListCounters(ctx context.Context, facilityID string) ([]models.Counter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Counter
	for _, counter := range s.counters {
		if counter.FacilityID == facilityID {
			out = append(out, counter)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetCounter(ctx context.Context, facilityID, counterID string) (models.Counter, error) {
	if err := ctx.Err(); err != nil {
		return models.Counter{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok || counter.FacilityID != facilityID {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.ID] = counter
	return nil
}

func (s *Store) checkCounter(facilityID, counterID string) error {
	counter, ok := s.counters[counterID]
	if !ok || counter.FacilityID != facilityID {
		return store.ErrCounterNotFound
	}
	if !counter.Available() {
		return store.ErrCounterUnavailable
	}
	return nil
}

func (s *Store) appendEvent(entry models.QueueEntry, eventType string) error {
	history := s.events[entry.ID]
	var prev *store.EntryEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	event, err := store.NextEntryEvent(prev, entry, eventType, entry.UpdatedAt)
	if err != nil {
		return err
	}
	s.events[entry.ID] = append(history, event)
	return nil
}
