package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/store"

	"github.com/rs/zerolog"
)

// ErrUnavailable wraps every failure to read the counter list. Callers treat it
// as retryable.
var ErrUnavailable = errors.New("counter directory unavailable")

type Directory struct {
	counters store.CounterStore
	logger   zerolog.Logger
}

func New(counters store.CounterStore, logger zerolog.Logger) *Directory {
	return &Directory{counters: counters, logger: logger}
}

// ListAvailable returns the counters a patient can be routed to: active and
// visible, never excludeCounterID, ordered by display order. On failure it
// returns no counters.
func (d *Directory) ListAvailable(ctx context.Context, facilityID, excludeCounterID string) ([]models.Counter, error) {
	counters, err := d.counters.ListCounters(ctx, facilityID)
	if err != nil {
		d.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("list counters failed")
		return []models.Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	available := make([]models.Counter, 0, len(counters))
	for _, counter := range counters {
		if counter.ID == excludeCounterID || !counter.Available() {
			continue
		}
		available = append(available, counter)
	}
	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return available, nil
}

// Lookup returns a single counter regardless of its availability.
func (d *Directory) Lookup(ctx context.Context, facilityID, counterID string) (models.Counter, error) {
	counter, err := d.counters.GetCounter(ctx, facilityID, counterID)
	if err != nil {
		if errors.Is(err, store.ErrCounterNotFound) {
			return models.Counter{}, err
		}
		return models.Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return counter, nil
}
